package decision

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type UpdateRule string

const (
	Incremental          UpdateRule = "incremental"
	ExponentialSmoothing UpdateRule = "exponential_smoothing"
)

var (
	ErrUnknownUpdateRule = errors.New("unknown update rule")
	ErrInvalidConfig     = errors.New("invalid learner config")
	ErrArmOutOfRange     = errors.New("arm out of range")
)

type Config struct {
	Arms         int
	Epsilon      float64
	Rule         UpdateRule
	Alpha        float64
	InitialValue float64
	// Seed 0 seeds from the clock.
	Seed int64
}

// EpsilonGreedy keeps one value estimate per arm and explores uniformly with
// probability Epsilon.
type EpsilonGreedy struct {
	mu sync.Mutex

	epsilon float64
	rule    UpdateRule
	alpha   float64
	rng     *rand.Rand

	values []float64
	counts []int
}

func NewEpsilonGreedy(cfg Config) (*EpsilonGreedy, error) {
	if cfg.Arms < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "need at least one arm, got %d", cfg.Arms)
	}
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "epsilon %v outside [0,1]", cfg.Epsilon)
	}
	switch cfg.Rule {
	case Incremental:
	case ExponentialSmoothing:
		if cfg.Alpha <= 0 || cfg.Alpha > 1 {
			return nil, errors.Wrapf(ErrInvalidConfig, "alpha %v outside (0,1]", cfg.Alpha)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownUpdateRule, "%q", cfg.Rule)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	values := make([]float64, cfg.Arms)
	for i := range values {
		values[i] = cfg.InitialValue
	}

	return &EpsilonGreedy{
		epsilon: cfg.Epsilon,
		rule:    cfg.Rule,
		alpha:   cfg.Alpha,
		rng:     rand.New(rand.NewSource(seed)),
		values:  values,
		counts:  make([]int, cfg.Arms),
	}, nil
}

// SelectArm explores with probability epsilon, otherwise exploits the
// highest estimate. Ties go to the lowest index.
func (e *EpsilonGreedy) SelectArm() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rng.Float64() < e.epsilon {
		return e.rng.Intn(len(e.values))
	}
	best, _ := argmax(e.values)
	return best
}

func (e *EpsilonGreedy) Update(arm int, reward float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if arm < 0 || arm >= len(e.values) {
		return errors.Wrap(ErrArmOutOfRange, fmt.Sprintf("arm %d of %d", arm, len(e.values)))
	}

	e.counts[arm]++
	switch e.rule {
	case Incremental:
		n := float64(e.counts[arm])
		e.values[arm] += (reward - e.values[arm]) / n
	case ExponentialSmoothing:
		e.values[arm] = (1-e.alpha)*e.values[arm] + e.alpha*reward
	}
	return nil
}

func (e *EpsilonGreedy) Values() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.values...)
}

func (e *EpsilonGreedy) Counts() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.counts...)
}

// Best returns the arm the learner would exploit and its estimate.
func (e *EpsilonGreedy) Best() (int, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return argmax(e.values)
}

func argmax(v []float64) (int, float64) {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best, v[best]
}
