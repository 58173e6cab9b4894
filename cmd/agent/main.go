package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/agent"
	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/John-Progr/MAITRE-DTs/internal/execx"
	"github.com/John-Progr/MAITRE-DTs/internal/health"
	"github.com/John-Progr/MAITRE-DTs/internal/iperf"
	"github.com/John-Progr/MAITRE-DTs/internal/logger"
	"github.com/John-Progr/MAITRE-DTs/internal/monitor"
	"github.com/John-Progr/MAITRE-DTs/internal/switcher"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	deviceID := flag.String("device-id", "", "overrides agent.device_id")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if *deviceID != "" {
		cfg.Agent.DeviceID = *deviceID
	}

	// Init logger
	logger.Init(cfg.Logging, "agent")
	if err := cfg.ValidateAgent(); err != nil {
		log.Fatal().Err(err).Msg("invalid agent configuration")
	}
	log.Info().Str("device_id", cfg.Agent.DeviceID).Str("interface", cfg.Agent.Interface).Msg("starting device agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//------------------------------------------
	// OS SIDE EFFECTS
	//------------------------------------------
	var run execx.Runner = execx.NewOSRunner()
	priv := run
	if cfg.Agent.Sudo {
		priv = execx.Privileged(run)
	}

	routes, err := switcher.NewSwitcher(cfg.Agent.Subnet)
	if err != nil {
		log.Fatal().Err(err).Msg("route table")
	}
	radio := switcher.NewRadio(priv, cfg.Agent.Interface)
	gen := iperf.NewGenerator(run, priv, iperf.Options{
		Binary:     cfg.Agent.IperfBinary,
		Attempts:   cfg.Agent.ClientAttempts,
		RetryDelay: time.Duration(cfg.Agent.ClientRetryDelaySeconds) * time.Second,
		ResultPath: cfg.Agent.ResultPath,
	})
	prober := monitor.NewProber(cfg.Agent.ProbeCount, time.Duration(cfg.Agent.ProbeTimeoutSeconds)*time.Second, os.Geteuid() == 0)

	//------------------------------------------
	// HEALTH
	//------------------------------------------
	healthSrv := health.New(cfg.Agent.HealthListen)
	healthSrv.SetRunning(true)
	healthSrv.SetRole(string(agent.StateIdle))

	//------------------------------------------
	// AGENT
	//------------------------------------------
	mq := bus.New(bus.FromConfig(cfg.Broker, cfg.Agent.DeviceID))
	defer mq.Close()

	a := agent.New(agent.Options{DeviceID: cfg.Agent.DeviceID}, agent.Deps{
		Routes:    routes,
		Radio:     radio,
		Generator: gen,
		Prober:    prober,
		Publisher: mq,
		Observer: func(o agent.Outcome) {
			healthSrv.SetRole(string(o.To))
			healthSrv.SetBrokerConnected(mq.Connected())
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Run(gctx, mq, agent.RunOptions{
			CheckInterval: time.Duration(cfg.Agent.ReconnectIntervalSeconds) * time.Second,
		})
	})

	g.Go(healthSrv.Serve)

	if cfg.Agent.ProbeTarget != "" {
		mon := monitor.New(prober, cfg.Agent.ProbeTarget, time.Duration(cfg.Agent.ProbeIntervalSeconds)*time.Second,
			func(m monitor.PingMetrics, err error) {
				healthSrv.SetPingHealthy(err == nil && m.Reachable())
				healthSrv.SetBrokerConnected(mq.Connected())
			})
		g.Go(func() error {
			mon.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Warn().Msg("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		healthSrv.SetRunning(false)
		if err := gen.StopServer(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("stopping iperf3 server")
		}
		return healthSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("agent stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("agent stopped cleanly")
}
