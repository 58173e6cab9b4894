package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/api"
	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/John-Progr/MAITRE-DTs/internal/decision"
	"github.com/John-Progr/MAITRE-DTs/internal/experiment"
	"github.com/John-Progr/MAITRE-DTs/internal/export"
	"github.com/John-Progr/MAITRE-DTs/internal/logger"
	"github.com/John-Progr/MAITRE-DTs/internal/record"
	"github.com/John-Progr/MAITRE-DTs/internal/reward"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	trials := flag.Int("trials", 0, "overrides learner.trials")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if *trials > 0 {
		cfg.Learner.Trials = *trials
	}

	logger.Init(cfg.Logging, "learner")
	if err := cfg.ValidateLearner(); err != nil {
		log.Fatal().Err(err).Msg("invalid learner configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Stack().Err(err).Msg("experiment failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	lc := cfg.Learner
	kind := experiment.Kind(lc.Mode)

	var arms []experiment.Arm
	base := reward.Trial{Source: lc.Source, Destination: lc.Destination}
	if kind == experiment.OptimalRoute {
		arms = experiment.RouteArms(lc.Relays)
		base.Channel = lc.RouteChannel
	} else {
		arms = experiment.ChannelArms(lc.Channels)
	}

	learner, err := decision.NewEpsilonGreedy(decision.Config{
		Arms:         len(arms),
		Epsilon:      lc.Epsilon,
		Rule:         decision.UpdateRule(lc.UpdateRule),
		Alpha:        lc.Alpha,
		InitialValue: lc.InitialValue,
		Seed:         lc.Seed,
	})
	if err != nil {
		return err
	}

	source, err := newSource(lc)
	if err != nil {
		return err
	}

	started := time.Now()
	steps, err := record.NewStepLog(lc.OutputDir, lc.Mode, started)
	if err != nil {
		return err
	}
	defer steps.Close()
	loggers := []experiment.StepLogger{steps}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := export.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		defer producer.Close()

		exporter := export.New(producer, export.Options{
			MaxQueue:      cfg.Kafka.MaxQueueSize,
			FlushInterval: time.Duration(cfg.Kafka.FlushSeconds) * time.Second,
		})
		exporter.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			exporter.Shutdown(shutdownCtx)
		}()
		loggers = append(loggers, exporter)
	}

	labels := make([]string, len(arms))
	for i, a := range arms {
		labels[i] = a.Label
	}
	meta := record.Meta{
		Kind:         lc.Mode,
		Started:      started,
		Source:       lc.Source,
		Destination:  lc.Destination,
		Arms:         labels,
		Epsilon:      lc.Epsilon,
		UpdateRule:   lc.UpdateRule,
		Alpha:        lc.Alpha,
		InitialValue: lc.InitialValue,
		RewardSource: lc.RewardSource,
		Trials:       lc.Trials,
		Seed:         lc.Seed,
	}
	if err := record.SaveMeta(steps.Dir(), meta); err != nil {
		log.Warn().Err(err).Msg("saving run metadata")
	}

	log.Info().
		Str("mode", lc.Mode).
		Strs("arms", labels).
		Int("trials", lc.Trials).
		Str("reward_source", lc.RewardSource).
		Str("output", steps.Dir()).
		Msg("experiment started")

	runner := &experiment.Runner{
		Name:    lc.Mode + "_" + started.Format("20060102_150405"),
		Learner: learner,
		Kind:    kind,
		Arms:    arms,
		Base:    base,
		Source:  source,
		Loggers: loggers,
	}
	summary, runErr := runner.Run(ctx, lc.Trials)

	for _, a := range summary.PerArm {
		log.Info().
			Str("arm", a.Label).
			Int("pulls", a.Pulls).
			Float64("average_reward", a.AverageReward).
			Float64("value", a.Value).
			Msg("arm summary")
	}
	log.Info().
		Int("trials", summary.Trials).
		Float64("average_reward", summary.AverageReward).
		Str("best_arm", summary.BestArm).
		Float64("best_value", summary.BestValue).
		Msg("experiment finished")

	meta.Finished = time.Now()
	meta.Results = map[string]string{
		"completed_trials": strconv.Itoa(summary.Trials),
		"average_reward":   strconv.FormatFloat(summary.AverageReward, 'f', 3, 64),
		"best_arm":         summary.BestArm,
		"best_value":       strconv.FormatFloat(summary.BestValue, 'f', 3, 64),
	}
	if err := record.SaveMeta(steps.Dir(), meta); err != nil {
		log.Warn().Err(err).Msg("saving run metadata")
	}

	if errors.Is(runErr, context.Canceled) {
		log.Warn().Msg("experiment interrupted")
		return nil
	}
	return runErr
}

func newSource(lc config.LearnerConfig) (reward.Source, error) {
	opts := reward.Options{
		Attempts:   lc.RequestAttempts,
		RetryDelay: time.Duration(lc.RetryDelaySeconds) * time.Second,
		Fallback:   lc.Fallback(),
		Constant:   lc.ConstantReward,
		Replay:     lc.ReplayValues,
		Seed:       lc.Seed,
	}
	switch lc.RewardSource {
	case reward.KindLive:
		opts.Measurer = api.NewClient(lc.Endpoint, time.Duration(lc.RequestTimeoutSeconds)*time.Second)
	case reward.KindReplay:
		if lc.ReplayPath != "" {
			values, err := record.ReadRewards(lc.ReplayPath)
			if err != nil {
				return nil, errors.Wrap(err, "load replay rewards")
			}
			opts.Replay = values
		}
	}
	return reward.New(lc.RewardSource, opts)
}
