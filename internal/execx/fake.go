package execx

import (
	"context"
	"strings"
	"sync"
)

// Recorder is a Runner that records command lines instead of executing them.
// Responses and failures are keyed by the full command line.
type Recorder struct {
	mu       sync.Mutex
	Calls    []string
	Outputs  map[string][]byte
	Failures map[string]error
	Started  []*FakeProcess
}

func NewRecorder() *Recorder {
	return &Recorder{Outputs: map[string][]byte{}, Failures: map[string]error{}}
}

func (r *Recorder) record(name string, args []string) (string, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, line)
	return line, r.Failures[line]
}

func (r *Recorder) Run(_ context.Context, name string, args ...string) error {
	_, err := r.record(name, args)
	return err
}

func (r *Recorder) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	line, err := r.record(name, args)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Outputs[line], nil
}

func (r *Recorder) Start(name string, args ...string) (Process, error) {
	_, err := r.record(name, args)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &FakeProcess{pid: 1000 + len(r.Started)}
	r.Started = append(r.Started, p)
	return p, nil
}

// Lines returns a copy of the recorded command lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Calls...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.Calls = nil
	r.mu.Unlock()
}

type FakeProcess struct {
	mu      sync.Mutex
	pid     int
	stopped bool
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil
}

func (p *FakeProcess) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
