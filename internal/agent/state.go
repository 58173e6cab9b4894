package agent

import "github.com/John-Progr/MAITRE-DTs/internal/protocol"

type State string

const (
	StateIdle      State = "IDLE"
	StateServer    State = "SERVER"
	StateForwarder State = "FORWARDER"
	StateClient    State = "CLIENT"
)

// Step is one OS-level action taken while applying a command.
type Step struct {
	Name string
	Err  error
}

// Outcome describes what applying one command did to the device.
type Outcome struct {
	Role      protocol.Role
	RequestID string
	From      State
	To        State
	Steps     []Step
	Telemetry *protocol.Telemetry
}

func (o *Outcome) step(name string, err error) {
	o.Steps = append(o.Steps, Step{Name: name, Err: err})
}

func (o Outcome) OK() bool { return len(o.Failed()) == 0 }

func (o Outcome) Failed() []Step {
	var out []Step
	for _, s := range o.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}
