package reward

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrReplayExhausted = errors.New("no more rewards to replay")
	ErrUnknownSource   = errors.New("unknown reward source")
)

const (
	KindLive     = "live"
	KindRayleigh = "rayleigh"
	KindGaussian = "gaussian"
	KindReplay   = "replay"
	KindConstant = "constant"
)

// Synthetic rewards are clipped to this range, in Mbps.
const (
	minReward = 5.0
	maxReward = 40.0
)

// Trial is one arm pull expressed as a measurement.
type Trial struct {
	Source      string
	Destination string
	Path        []string
	Channel     int
}

func (t Trial) Request() orchestrator.Request {
	path := t.Path
	if path == nil {
		path = []string{}
	}
	return orchestrator.Request{
		Source:          t.Source,
		Destination:     t.Destination,
		Path:            path,
		WirelessChannel: t.Channel,
	}
}

type Source interface {
	Reward(ctx context.Context, t Trial) (float64, error)
}

type RateMeasurer interface {
	MeasureRate(ctx context.Context, req orchestrator.Request) (orchestrator.Measurement, error)
}

// Live asks the controller to measure the trial. It never fails: when every
// attempt fails the Fallback value is returned.
type Live struct {
	Measurer   RateMeasurer
	Attempts   int
	RetryDelay time.Duration
	Fallback   float64
}

func (l *Live) Reward(ctx context.Context, t Trial) (float64, error) {
	attempts := l.Attempts
	if attempts < 1 {
		attempts = 1
	}
	req := t.Request()

	for attempt := 1; attempt <= attempts; attempt++ {
		m, err := l.Measurer.MeasureRate(ctx, req)
		if err == nil {
			return m.RateMbps, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Int("wireless_channel", t.Channel).Strs("path", t.Path).Msg("measurement request failed")

		if attempt == attempts {
			break
		}
		delay := l.RetryDelay * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	log.Warn().Float64("fallback", l.Fallback).Msg("all measurement attempts failed, using fallback reward")
	return l.Fallback, nil
}

// lockedRand is a seeded generator safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRand) norm() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.NormFloat64()
}

func clip(v float64) float64 {
	return math.Max(minReward, math.Min(maxReward, v))
}

// Rayleigh draws Rayleigh(Sigma) + 5, clipped to [5, 40].
type Rayleigh struct {
	Sigma float64
	rng   *lockedRand
}

func NewRayleigh(sigma float64, seed int64) *Rayleigh {
	return &Rayleigh{Sigma: sigma, rng: newLockedRand(seed)}
}

func (r *Rayleigh) Reward(context.Context, Trial) (float64, error) {
	u := r.rng.float64()
	return clip(r.Sigma*math.Sqrt(-2*math.Log(1-u)) + minReward), nil
}

// Gaussian draws N(Mean, StdDev), clipped to [5, 40].
type Gaussian struct {
	Mean   float64
	StdDev float64
	rng    *lockedRand
}

func NewGaussian(mean, stddev float64, seed int64) *Gaussian {
	return &Gaussian{Mean: mean, StdDev: stddev, rng: newLockedRand(seed)}
}

func (g *Gaussian) Reward(context.Context, Trial) (float64, error) {
	return clip(g.Mean + g.StdDev*g.rng.norm()), nil
}

// Replay returns a recorded sequence, one value per call.
type Replay struct {
	mu     sync.Mutex
	values []float64
	next   int
}

func NewReplay(values []float64) *Replay {
	return &Replay{values: append([]float64(nil), values...)}
}

func (r *Replay) Reward(context.Context, Trial) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.values) {
		return 0, errors.Wrapf(ErrReplayExhausted, "after %d values", len(r.values))
	}
	v := r.values[r.next]
	r.next++
	return v, nil
}

func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values) - r.next
}

type Constant float64

func (c Constant) Reward(context.Context, Trial) (float64, error) { return float64(c), nil }

type Options struct {
	Measurer   RateMeasurer
	Attempts   int
	RetryDelay time.Duration
	Fallback   float64
	Constant   float64
	Replay     []float64
	Seed       int64
}

// New builds the source named kind.
func New(kind string, opts Options) (Source, error) {
	switch kind {
	case KindLive:
		if opts.Measurer == nil {
			return nil, errors.New("live reward source needs a measurer")
		}
		return &Live{Measurer: opts.Measurer, Attempts: opts.Attempts, RetryDelay: opts.RetryDelay, Fallback: opts.Fallback}, nil
	case KindRayleigh:
		return NewRayleigh(5, opts.Seed), nil
	case KindGaussian:
		return NewGaussian(22.5, 5, opts.Seed), nil
	case KindReplay:
		if len(opts.Replay) == 0 {
			return nil, errors.New("replay reward source needs recorded values")
		}
		return NewReplay(opts.Replay), nil
	case KindConstant:
		return Constant(opts.Constant), nil
	}
	return nil, errors.Wrapf(ErrUnknownSource, "%q", kind)
}
