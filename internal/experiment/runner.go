package experiment

import (
	"context"
	"strconv"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/record"
	"github.com/John-Progr/MAITRE-DTs/internal/reward"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	OptimalChannel Kind = "optimal_channel"
	OptimalRoute   Kind = "optimal_route"
)

var ErrNoArms = errors.New("experiment has no arms")

// Arm is one choice the learner can make: a channel or a relay.
type Arm struct {
	Label   string
	Channel int
	Relay   string
}

func ChannelArms(channels []int) []Arm {
	arms := make([]Arm, len(channels))
	for i, ch := range channels {
		arms[i] = Arm{Label: strconv.Itoa(ch), Channel: ch}
	}
	return arms
}

func RouteArms(relays []string) []Arm {
	arms := make([]Arm, len(relays))
	for i, r := range relays {
		arms[i] = Arm{Label: r, Relay: r}
	}
	return arms
}

type Learner interface {
	SelectArm() int
	Update(arm int, reward float64) error
	Values() []float64
	Best() (int, float64)
}

type StepLogger interface {
	LogStep(s record.Step) error
}

type Runner struct {
	Name    string
	Learner Learner
	Kind    Kind
	Arms    []Arm
	// Base carries source and destination, plus the fixed channel of a
	// route experiment.
	Base    reward.Trial
	Source  reward.Source
	Loggers []StepLogger

	now func() time.Time
}

type ArmSummary struct {
	Label         string
	Pulls         int
	AverageReward float64
	Value         float64
}

type Summary struct {
	Trials        int
	AverageReward float64
	BestArm       string
	BestValue     float64
	PerArm        []ArmSummary
}

func (r *Runner) trial(arm Arm) reward.Trial {
	t := reward.Trial{Source: r.Base.Source, Destination: r.Base.Destination}
	switch r.Kind {
	case OptimalRoute:
		t.Path = []string{arm.Relay}
		t.Channel = r.Base.Channel
	default:
		t.Path = []string{}
		t.Channel = arm.Channel
	}
	return t
}

// Run pulls trials arms. It stops early when ctx is done or the reward
// source cannot go on; the summary covers the completed trials.
func (r *Runner) Run(ctx context.Context, trials int) (Summary, error) {
	if len(r.Arms) == 0 {
		return Summary{}, ErrNoArms
	}
	now := r.now
	if now == nil {
		now = time.Now
	}

	pulls := make([]int, len(r.Arms))
	sums := make([]float64, len(r.Arms))
	var total float64
	done := 0

	var runErr error
	for i := 1; i <= trials; i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		idx := r.Learner.SelectArm()
		arm := r.Arms[idx]
		t := r.trial(arm)

		rw, err := r.Source.Reward(ctx, t)
		if err != nil {
			runErr = errors.Wrapf(err, "trial %d", i)
			break
		}
		if err := r.Learner.Update(idx, rw); err != nil {
			runErr = errors.Wrapf(err, "trial %d", i)
			break
		}

		done++
		pulls[idx]++
		sums[idx] += rw
		total += rw

		step := record.Step{
			Experiment: r.Name,
			Iteration:  i,
			ArmIndex:   idx,
			ArmLabel:   arm.Label,
			Reward:     rw,
			QValues:    r.Learner.Values(),
			Timestamp:  now(),
		}
		log.Info().
			Int("iteration", i).
			Str("arm", arm.Label).
			Float64("reward", rw).
			Floats64("q_values", step.QValues).
			Msg("trial completed")

		for _, l := range r.Loggers {
			if err := l.LogStep(step); err != nil {
				log.Warn().Err(err).Int("iteration", i).Msg("logging step")
			}
		}
	}

	return r.summarize(done, total, pulls, sums), runErr
}

func (r *Runner) summarize(done int, total float64, pulls []int, sums []float64) Summary {
	s := Summary{Trials: done}
	if done > 0 {
		s.AverageReward = total / float64(done)
	}

	values := r.Learner.Values()
	best, bestValue := r.Learner.Best()
	s.BestArm = r.Arms[best].Label
	s.BestValue = bestValue

	for i, arm := range r.Arms {
		as := ArmSummary{Label: arm.Label, Pulls: pulls[i], Value: values[i]}
		if pulls[i] > 0 {
			as.AverageReward = sums[i] / float64(pulls[i])
		}
		s.PerArm = append(s.PerArm, as)
	}
	return s
}
