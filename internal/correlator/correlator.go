package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(topic string, payload any) error
}

type Subscriber interface {
	Subscribe(topic string) error
}

type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusPartialFailure Status = "partial_failure"
	StatusFailure        Status = "failure"
)

type CommandResult struct {
	Status   Status        `json:"status"`
	DeviceID string        `json:"device_id"`
	Role     protocol.Role `json:"role,omitempty"`
	Message  string        `json:"message,omitempty"`
}

func (r CommandResult) OK() bool { return r.Status == StatusSuccess }

type SetupResult struct {
	OverallStatus Status          `json:"overall_status"`
	Results       []CommandResult `json:"results"`
	FailedCount   int             `json:"failed_count"`
}

type pendingWait struct {
	ch     chan bus.Payload
	accept func(bus.Payload) bool
}

// Correlator publishes role commands and pairs asynchronous replies with the
// caller waiting for them. Only one wait per topic is held; a newer wait
// replaces the older one.
type Correlator struct {
	pub Publisher

	mu      sync.Mutex
	waits   map[string]*pendingWait
	latest  bus.Payload
	hasLast bool
}

func New(pub Publisher) *Correlator {
	return &Correlator{
		pub:   pub,
		waits: make(map[string]*pendingWait),
	}
}

// SendCommand encodes cmd and publishes it on the target's command topic.
// Failures are reported in the result, never as a panic.
func (c *Correlator) SendCommand(cmd protocol.Command) (res CommandResult) {
	if cmd == nil {
		return CommandResult{Status: StatusError, Message: "nil command"}
	}
	res = CommandResult{DeviceID: cmd.Target(), Role: cmd.Role()}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("device_id", res.DeviceID).Msg("send command panicked")
			res.Status = StatusError
			res.Message = "internal error"
		}
	}()

	data, err := protocol.Encode(cmd)
	if err != nil {
		res.Status = StatusError
		res.Message = err.Error()
		return res
	}

	topic := protocol.CommandTopic(cmd.Target())
	if err := c.pub.Publish(topic, data); err != nil {
		log.Error().Err(err).Str("device_id", res.DeviceID).Str("role", string(res.Role)).Msg("command publish failed")
		res.Status = StatusError
		res.Message = "failed to send command: " + err.Error()
		return res
	}

	log.Info().Str("device_id", res.DeviceID).Str("role", string(res.Role)).Str("topic", topic).Msg("command sent")
	res.Status = StatusSuccess
	return res
}

// SendNetworkSetup sends every command of setup in order and keeps going past
// failures.
func (c *Correlator) SendNetworkSetup(setup protocol.NetworkSetup) SetupResult {
	cmds := setup.Commands()
	out := SetupResult{Results: make([]CommandResult, 0, len(cmds))}
	for _, cmd := range cmds {
		r := c.SendCommand(cmd)
		if !r.OK() {
			out.FailedCount++
		}
		out.Results = append(out.Results, r)
	}

	switch {
	case out.FailedCount == 0:
		out.OverallStatus = StatusSuccess
	case out.FailedCount < len(cmds):
		out.OverallStatus = StatusPartialFailure
	default:
		out.OverallStatus = StatusFailure
	}
	return out
}

func (c *Correlator) SubscribeTelemetry(s Subscriber) error {
	return s.Subscribe(protocol.TelemetryTopic)
}

// Waiter is a registered interest in the next message on one topic.
type Waiter struct {
	c     *Correlator
	topic string
	w     *pendingWait
}

// Expect registers a wait for topic without blocking, so a reply that arrives
// before the caller starts waiting is not lost. It replaces any outstanding
// wait for the same topic.
func (c *Correlator) Expect(topic string) *Waiter {
	return c.ExpectMatching(topic, nil)
}

// ExpectMatching is Expect restricted to payloads accept returns true for.
// Rejected payloads are still cached as latest telemetry but keep the wait
// registered. A nil accept takes the first message.
func (c *Correlator) ExpectMatching(topic string, accept func(bus.Payload) bool) *Waiter {
	w := &pendingWait{ch: make(chan bus.Payload, 1), accept: accept}

	c.mu.Lock()
	if _, replaced := c.waits[topic]; replaced {
		log.Warn().Str("topic", topic).Msg("replacing outstanding wait")
	}
	c.waits[topic] = w
	c.mu.Unlock()

	return &Waiter{c: c, topic: topic, w: w}
}

// Wait blocks until the message arrives, the timeout elapses or ctx is done.
// A Waiter yields at most one message.
func (wt *Waiter) Wait(ctx context.Context, timeout time.Duration) (bus.Payload, bool) {
	log.Info().Str("topic", wt.topic).Dur("timeout", timeout).Msg("waiting for message")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-wt.w.ch:
		return p, true
	case <-timer.C:
		log.Warn().Str("topic", wt.topic).Dur("timeout", timeout).Msg("timed out waiting for message")
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("topic", wt.topic).Msg("wait cancelled")
	}

	wt.Cancel()

	// delivered between the timer firing and the removal above
	select {
	case p := <-wt.w.ch:
		return p, true
	default:
		return nil, false
	}
}

// Cancel drops the registration if it is still the current one for the topic.
func (wt *Waiter) Cancel() {
	wt.c.mu.Lock()
	if wt.c.waits[wt.topic] == wt.w {
		delete(wt.c.waits, wt.topic)
	}
	wt.c.mu.Unlock()
}

// WaitForMessage blocks until a message arrives on topic, the timeout elapses
// or ctx is done. A later call for the same topic takes over the wait and this
// one then runs into its timeout.
func (c *Correlator) WaitForMessage(ctx context.Context, topic string, timeout time.Duration) (bus.Payload, bool) {
	return c.Expect(topic).Wait(ctx, timeout)
}

// HandleMessage is installed as the bus handler. Caching and waiter release
// happen under the same lock.
func (c *Correlator) HandleMessage(msg bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	telemetry := msg.Topic == protocol.TelemetryTopic
	if telemetry {
		c.latest = msg.Payload
		c.hasLast = true
	}

	if w, ok := c.waits[msg.Topic]; ok {
		if w.accept != nil && !w.accept(msg.Payload) {
			return
		}
		delete(c.waits, msg.Topic)
		w.ch <- msg.Payload
		log.Info().Str("topic", msg.Topic).Msg("released waiter")
		return
	}

	if !telemetry {
		log.Warn().Str("topic", msg.Topic).Msg("unhandled topic")
	}
}

func (c *Correlator) LatestTelemetry() (bus.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasLast
}

// Pending is the number of outstanding waits.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}
