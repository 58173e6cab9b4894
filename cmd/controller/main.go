package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/api"
	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/John-Progr/MAITRE-DTs/internal/correlator"
	"github.com/John-Progr/MAITRE-DTs/internal/export"
	"github.com/John-Progr/MAITRE-DTs/internal/health"
	"github.com/John-Progr/MAITRE-DTs/internal/inventory"
	"github.com/John-Progr/MAITRE-DTs/internal/logger"
	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/John-Progr/MAITRE-DTs/internal/record"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger.Init(cfg.Logging, "controller")
	log.Info().Str("listen", cfg.Controller.Listen).Msg("starting testbed controller")

	inv, err := inventory.FromConfig(cfg.Inventory)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid inventory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//------------------------------------------
	// BUS + CORRELATOR
	//------------------------------------------
	mq := bus.New(bus.FromConfig(cfg.Broker, "maitre-controller"))
	defer mq.Close()

	corr := correlator.New(mq)
	mq.SetMessageHandler(corr.HandleMessage)

	orch := orchestrator.New(corr, inv, orchestrator.Options{
		TelemetryTimeout: cfg.Controller.TelemetryTimeout(),
		DefaultChannel:   cfg.Controller.DefaultChannel,
	})

	//------------------------------------------
	// SINKS
	//------------------------------------------
	sinks := []api.Sink{record.NewMeasurementLog(cfg.Controller.ResultsPath)}

	var exporter *export.Exporter
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := export.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("kafka producer")
		}
		defer producer.Close()

		exporter = export.New(producer, export.Options{
			MaxQueue:      cfg.Kafka.MaxQueueSize,
			FlushInterval: time.Duration(cfg.Kafka.FlushSeconds) * time.Second,
		})
		exporter.Start()
		sinks = append(sinks, exporter)
	}

	//------------------------------------------
	// HTTP
	//------------------------------------------
	healthSrv := health.New("")
	healthSrv.SetRunning(true)

	srv := &http.Server{
		Addr: cfg.Controller.Listen,
		Handler: api.NewServer(api.Deps{
			Measurer:  orch,
			Commander: corr,
			Broker:    mq,
			Health:    healthSrv,
			Sinks:     sinks,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		maintainBroker(gctx, mq, corr, healthSrv, cfg.Controller.ReconnectInterval())
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Warn().Msg("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		healthSrv.SetRunning(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if exporter != nil {
			exporter.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("controller stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("controller stopped cleanly")
}

// maintainBroker keeps the session and the telemetry subscription up until
// ctx is done. Measurements answer 503 while the broker is unreachable.
func maintainBroker(ctx context.Context, mq *bus.Client, corr *correlator.Correlator, h *health.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	subscribed := false

	check := func() {
		if err := mq.EnsureConnection(); err != nil {
			h.SetBrokerConnected(false)
			log.Warn().Err(err).Msg("broker unreachable")
			return
		}
		h.SetBrokerConnected(true)
		if !subscribed {
			if err := corr.SubscribeTelemetry(mq); err != nil {
				log.Warn().Err(err).Msg("subscribing to telemetry")
				return
			}
			subscribed = true
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		check()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
