package record

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const stepTimeLayout = "2006-01-02 15:04:05"

var ErrNoRewardColumn = errors.New("no reward column")

// Step is one learner iteration.
type Step struct {
	Experiment string    `json:"experiment"`
	Iteration  int       `json:"iteration"`
	ArmIndex   int       `json:"arm_index"`
	ArmLabel   string    `json:"arm_label"`
	Reward     float64   `json:"reward"`
	QValues    []float64 `json:"q_values"`
	Timestamp  time.Time `json:"timestamp"`
}

var measurementHeader = []string{"source", "destination", "rate_mbps", "wireless_channel", "timestamp"}

// MeasurementLog appends one CSV row per successful measurement.
type MeasurementLog struct {
	mu   sync.Mutex
	path string
}

func NewMeasurementLog(path string) *MeasurementLog {
	return &MeasurementLog{path: path}
}

func (l *MeasurementLog) Path() string { return l.path }

func (l *MeasurementLog) Record(_ context.Context, m orchestrator.Measurement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create results directory")
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open results file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat results file")
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(measurementHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		m.Source,
		m.Destination,
		strconv.FormatFloat(m.RateMbps, 'f', -1, 64),
		strconv.Itoa(m.WirelessChannel),
		time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

var stepHeader = []string{"iteration", "arm_index", "arm_label", "reward", "q_values", "timestamp"}

// StepLog writes experiments/<kind>_<yyyymmdd_hhmmss>/steps.csv.
type StepLog struct {
	mu  sync.Mutex
	dir string
	f   *os.File
	w   *csv.Writer
}

// NewStepLog creates a fresh run directory under root and writes the header.
func NewStepLog(root, kind string, started time.Time) (*StepLog, error) {
	dir := filepath.Join(root, kind+"_"+started.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create experiment directory")
	}
	f, err := os.Create(filepath.Join(dir, "steps.csv"))
	if err != nil {
		return nil, errors.Wrap(err, "create steps file")
	}
	w := csv.NewWriter(f)
	if err := w.Write(stepHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	return &StepLog{dir: dir, f: f, w: w}, nil
}

func (l *StepLog) Dir() string { return l.dir }

// LogStep appends s and flushes, so an interrupted run keeps every step.
func (l *StepLog) LogStep(s Step) error {
	q, err := json.Marshal(s.QValues)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write([]string{
		strconv.Itoa(s.Iteration),
		strconv.Itoa(s.ArmIndex),
		s.ArmLabel,
		strconv.FormatFloat(s.Reward, 'f', -1, 64),
		string(q),
		s.Timestamp.Format(stepTimeLayout),
	}); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *StepLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.f.Close()
}

// Meta describes one learner run.
type Meta struct {
	Kind         string            `yaml:"kind"`
	Started      time.Time         `yaml:"started"`
	Finished     time.Time         `yaml:"finished,omitempty"`
	Source       string            `yaml:"source"`
	Destination  string            `yaml:"destination"`
	Arms         []string          `yaml:"arms"`
	Epsilon      float64           `yaml:"epsilon"`
	UpdateRule   string            `yaml:"update_rule"`
	Alpha        float64           `yaml:"alpha,omitempty"`
	InitialValue float64           `yaml:"initial_value"`
	RewardSource string            `yaml:"reward_source"`
	Trials       int               `yaml:"trials"`
	Seed         int64             `yaml:"seed,omitempty"`
	Results      map[string]string `yaml:"results,omitempty"`
}

func SaveMeta(dir string, m Meta) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode meta")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, "meta.yaml"), data, 0o644), "write meta")
}

func LoadMeta(dir string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(filepath.Join(dir, "meta.yaml"))
	if err != nil {
		return m, err
	}
	return m, yaml.Unmarshal(data, &m)
}

// ReadRewards loads the reward column of a steps file. Files without a
// header are read positionally, reward being the third column.
func ReadRewards(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readRewards(f)
}

func readRewards(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read rewards")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := -1
	for i, name := range rows[0] {
		if strings.TrimSpace(name) == "reward" {
			col = i
			rows = rows[1:]
			break
		}
	}
	if col < 0 {
		col = 2
	}

	out := make([]float64, 0, len(rows))
	for n, row := range rows {
		if col >= len(row) {
			return nil, errors.Wrapf(ErrNoRewardColumn, "row %d", n+1)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", n+1)
		}
		out = append(out, v)
	}
	return out, nil
}
