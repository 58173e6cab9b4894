package execx

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Runner abstracts command execution so the agent can be unit-tested without
// touching the radio, the routing table or iperf.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Start(name string, args ...string) (Process, error)
}

// Process is a command left running in the background.
type Process interface {
	Pid() int
	Stop() error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func NewOSRunner() *OSRunner { return &OSRunner{} }

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, args, err, stderr.String())
	}
	return nil
}

// Output returns stdout only; stderr is folded into the error on failure.
func (r *OSRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = stdout.String()
		}
		return stdout.Bytes(), commandError(name, args, err, msg)
	}
	return stdout.Bytes(), nil
}

func (r *OSRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, commandError(name, args, err, "")
	}
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func commandError(name string, args []string, err error, msg string) error {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	msg = strings.TrimSpace(msg)
	if msg != "" {
		return errors.Wrapf(err, "%s: %s", line, msg)
	}
	return errors.Wrap(err, line)
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

// Stop sends SIGTERM and falls back to SIGKILL after two seconds.
func (p *osProcess) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err = p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return
		}
		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			err = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}

// Privileged prefixes every command with sudo.
func Privileged(r Runner) Runner {
	return sudoRunner{next: r}
}

type sudoRunner struct{ next Runner }

func (s sudoRunner) Run(ctx context.Context, name string, args ...string) error {
	return s.next.Run(ctx, "sudo", append([]string{name}, args...)...)
}

func (s sudoRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return s.next.Output(ctx, "sudo", append([]string{name}, args...)...)
}

func (s sudoRunner) Start(name string, args ...string) (Process, error) {
	return s.next.Start("sudo", append([]string{name}, args...)...)
}
