package monitor

import (
	"context"
	"time"

	"github.com/go-ping/ping"
	"github.com/pkg/errors"
)

type PingMetrics struct {
	AvgLatencyMs float64
	PacketLoss   float64 // percent
	JitterMs     float64
	Received     int
}

// Reachable reports whether at least one echo came back.
func (m PingMetrics) Reachable() bool { return m.Received > 0 }

// Prober sends a short ICMP burst to a host.
type Prober struct {
	Count      int
	Timeout    time.Duration
	Privileged bool
}

func NewProber(count int, timeout time.Duration, privileged bool) *Prober {
	if count < 1 {
		count = 3
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{Count: count, Timeout: timeout, Privileged: privileged}
}

// Probe pings host and returns latency, loss and jitter. Cancelling ctx stops
// the burst early.
func (p *Prober) Probe(ctx context.Context, host string) (PingMetrics, error) {
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return PingMetrics{}, errors.Wrapf(err, "ping %s", host)
	}

	pinger.Count = p.Count
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	var jt jitterTracker
	pinger.OnRecv = func(pkt *ping.Packet) {
		jt.add(pkt.Rtt)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return PingMetrics{}, errors.Wrapf(err, "ping %s", host)
	}

	stats := pinger.Statistics()
	return PingMetrics{
		AvgLatencyMs: float64(stats.AvgRtt.Microseconds()) / 1000,
		PacketLoss:   stats.PacketLoss,
		JitterMs:     jt.value(),
		Received:     stats.PacketsRecv,
	}, ctx.Err()
}

// jitterTracker averages the absolute difference of consecutive RTTs.
type jitterTracker struct {
	previous time.Duration
	total    float64
	count    int
}

func (j *jitterTracker) add(rtt time.Duration) {
	if j.previous != 0 {
		diff := rtt - j.previous
		if diff < 0 {
			diff = -diff
		}
		j.total += float64(diff.Microseconds()) / 1000
		j.count++
	}
	j.previous = rtt
}

func (j *jitterTracker) value() float64 {
	if j.count == 0 {
		return 0
	}
	return j.total / float64(j.count)
}
