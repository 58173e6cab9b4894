package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type probe interface {
	Probe(ctx context.Context, host string) (PingMetrics, error)
}

// Monitor probes one host on a fixed interval and reports every result.
type Monitor struct {
	prober   probe
	target   string
	interval time.Duration
	report   func(PingMetrics, error)
}

func New(prober probe, target string, interval time.Duration, report func(PingMetrics, error)) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{prober: prober, target: target, interval: interval, report: report}
}

// Run probes immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Str("target", m.target).Dur("interval", m.interval).Msg("monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.runOnce(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("monitor stopping")
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	metrics, err := m.prober.Probe(ctx, m.target)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("target", m.target).Msg("probe failed")
	} else {
		log.Debug().
			Str("target", m.target).
			Float64("latency_ms", metrics.AvgLatencyMs).
			Float64("packet_loss", metrics.PacketLoss).
			Float64("jitter_ms", metrics.JitterMs).
			Msg("probe evaluated")
	}
	if m.report != nil {
		m.report(metrics, err)
	}
}
