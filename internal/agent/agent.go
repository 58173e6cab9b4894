package agent

import (
	"context"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/iperf"
	"github.com/John-Progr/MAITRE-DTs/internal/monitor"
	"github.com/John-Progr/MAITRE-DTs/internal/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type RouteTable interface {
	Flush() (int, error)
	AddHostRoute(dst, gw string) error
}

type RadioControl interface {
	SetRegion(ctx context.Context, region string) error
	SetChannel(ctx context.Context, channel int) error
	EnableForwarding(ctx context.Context) error
}

type TrafficGenerator interface {
	StartServer(ctx context.Context) error
	StopServer(ctx context.Context) error
	RunClient(ctx context.Context, server string) (iperf.Result, error)
}

type Prober interface {
	Probe(ctx context.Context, host string) (monitor.PingMetrics, error)
}

type Publisher interface {
	Publish(topic string, payload any) error
}

type Options struct {
	DeviceID string
}

// Deps are the agent's side effects. Prober and Observer may be nil.
type Deps struct {
	Routes    RouteTable
	Radio     RadioControl
	Generator TrafficGenerator
	Prober    Prober
	Publisher Publisher
	Observer  func(Outcome)
}

// Agent is the per-device role state machine. Commands are applied one at a
// time, in the order the bus delivers them.
type Agent struct {
	opts Options
	deps Deps

	mu    sync.Mutex
	state State
	ctx   context.Context
}

func New(opts Options, deps Deps) *Agent {
	return &Agent{
		opts:  opts,
		deps:  deps,
		state: StateIdle,
		ctx:   context.Background(),
	}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// HandleMessage is the bus handler.
func (a *Agent) HandleMessage(msg bus.Message) {
	ctx := a.context()

	if msg.Topic == protocol.TelemetryTopic {
		if a.State() != StateServer {
			return
		}
		logger := log.With().Str("device_id", a.opts.DeviceID).Str("role", string(protocol.RoleServer)).Logger()
		logger.Info().Msg("client finished, stopping iperf3 server")

		out := Outcome{Role: protocol.RoleServer, From: StateServer, To: StateIdle}
		out.RequestID, _ = msg.Payload.String("request_id")
		out.step("stop-server", a.deps.Generator.StopServer(ctx))
		a.setState(StateIdle)
		a.report(logger, out)
		return
	}

	if !protocol.IsCommandTopic(msg.Topic) {
		log.Debug().Str("topic", msg.Topic).Msg("ignoring message")
		return
	}

	cmd, err := protocol.Decode(msg.Raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownRole) {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("unknown role received")
		} else {
			log.Error().Err(err).Str("topic", msg.Topic).Msg("dropping malformed command")
		}
		return
	}
	a.Apply(ctx, cmd)
}

// Apply configures the device for cmd. OS failures are recorded in the
// outcome and never abort the command.
func (a *Agent) Apply(ctx context.Context, cmd protocol.Command) Outcome {
	w, _ := protocol.ToWire(cmd)
	out := Outcome{Role: cmd.Role(), RequestID: w.RequestID, From: a.State()}

	logger := log.With().
		Str("device_id", a.opts.DeviceID).
		Str("role", string(cmd.Role())).
		Int("wireless_channel", w.WirelessChannel).
		Str("region", w.Region).
		Logger()
	logger.Info().Str("from", string(out.From)).Msg("applying command")

	if out.From == StateServer && cmd.Role() != protocol.RoleServer {
		out.step("stop-server", a.deps.Generator.StopServer(ctx))
	}

	n, err := a.deps.Routes.Flush()
	out.step("flush-routes", err)
	logger.Debug().Int("removed", n).Msg("manual routes flushed")

	switch c := cmd.(type) {
	case protocol.ServerCommand:
		a.applyServer(ctx, c, &out)
	case protocol.ForwarderCommand:
		a.applyForwarder(ctx, c, &out)
	case protocol.ClientCommand:
		a.applyClient(ctx, c, &out)
	default:
		logger.Warn().Msgf("unsupported command %T", cmd)
		out.To = StateIdle
	}

	a.setState(out.To)
	a.report(logger, out)
	return out
}

func (a *Agent) configureRadio(ctx context.Context, base protocol.Base, out *Outcome) {
	out.step("set-region", a.deps.Radio.SetRegion(ctx, base.Region))
	out.step("set-channel", a.deps.Radio.SetChannel(ctx, base.WirelessChannel))
}

// route installs dst via gw. A neighbour routed via itself needs no entry.
func (a *Agent) route(name, dst, gw string, out *Outcome) {
	if dst == gw {
		return
	}
	out.step(name, a.deps.Routes.AddHostRoute(dst, gw))
}

func (a *Agent) applyServer(ctx context.Context, c protocol.ServerCommand, out *Outcome) {
	out.step("stop-server", a.deps.Generator.StopServer(ctx))
	a.configureRadio(ctx, c.Base, out)
	a.route("route-client", c.ClientIP, c.PreviousIP, out)

	err := a.deps.Generator.StartServer(ctx)
	out.step("start-server", err)
	if err != nil {
		out.To = StateIdle
		return
	}
	out.To = StateServer
}

func (a *Agent) applyForwarder(ctx context.Context, c protocol.ForwarderCommand, out *Outcome) {
	a.setState(StateForwarder)
	a.configureRadio(ctx, c.Base, out)
	out.step("enable-forwarding", a.deps.Radio.EnableForwarding(ctx))
	a.route("route-server", c.ServerIP, c.NextIP, out)
	a.route("route-client", c.ClientIP, c.PreviousIP, out)
	out.To = StateIdle
}

func (a *Agent) applyClient(ctx context.Context, c protocol.ClientCommand, out *Outcome) {
	a.setState(StateClient)
	a.configureRadio(ctx, c.Base, out)

	via := c.RoutingIP
	if via == "" {
		via = c.ServerIP
	}
	a.route("route-server", c.ServerIP, via, out)

	t := protocol.Telemetry{
		WirelessChannel: c.WirelessChannel,
		DeviceID:        a.opts.DeviceID,
		RequestID:       c.RequestID,
	}

	if a.deps.Prober != nil {
		m, err := a.deps.Prober.Probe(ctx, c.ServerIP)
		out.step("probe-server", err)
		if err == nil {
			t.RTTMs = protocol.Round2(m.AvgLatencyMs)
			t.PacketLossPct = protocol.Round2(m.PacketLoss)
		}
	}

	res, err := a.deps.Generator.RunClient(ctx, c.ServerIP)
	out.step("run-client", err)
	// a failed run still reports, with zero rates
	t.SentRateMbps = protocol.Round2(res.ReceivedMbps)
	t.ReceivedRateMbps = protocol.Round2(res.ReceivedMbps)
	t.SenderRateMbps = protocol.Round2(res.SentMbps)

	out.step("publish-telemetry", a.deps.Publisher.Publish(protocol.TelemetryTopic, t))
	out.Telemetry = &t
	out.To = StateIdle
}

func (a *Agent) report(logger zerolog.Logger, out Outcome) {
	for _, s := range out.Failed() {
		logger.Warn().Err(s.Err).Str("step", s.Name).Msg("step failed")
	}
	ev := logger.Info()
	if !out.OK() {
		ev = logger.Warn()
	}
	ev.Str("from", string(out.From)).Str("to", string(out.To)).Int("failed_steps", len(out.Failed())).Msg("command applied")

	if a.deps.Observer != nil {
		a.deps.Observer(out)
	}
}

// Bus is the session the agent runs on.
type Bus interface {
	Publisher
	Connect() error
	EnsureConnection() error
	Subscribe(topic string) error
	SetMessageHandler(h bus.Handler)
}

type RunOptions struct {
	CheckInterval time.Duration
	MaxBackoff    time.Duration
}

// Run connects to the broker, subscribes to the device's command topics and
// keeps the session alive until ctx is done.
func (a *Agent) Run(ctx context.Context, b Bus, ro RunOptions) error {
	if ro.CheckInterval <= 0 {
		ro.CheckInterval = 5 * time.Second
	}
	if ro.MaxBackoff <= 0 {
		ro.MaxBackoff = time.Minute
	}

	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	b.SetMessageHandler(a.HandleMessage)

	if err := a.connect(ctx, b, ro.MaxBackoff); err != nil {
		return err
	}

	ticker := time.NewTicker(ro.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.EnsureConnection(); err != nil {
				log.Warn().Err(err).Msg("broker still unreachable")
			}
		}
	}
}

// connect retries with exponential backoff capped at maxBackoff until the
// session is up and both subscriptions are in place.
func (a *Agent) connect(ctx context.Context, b Bus, maxBackoff time.Duration) error {
	delay := time.Second
	if delay > maxBackoff {
		delay = maxBackoff
	}
	for attempt := 1; ; attempt++ {
		err := b.Connect()
		if err == nil {
			err = b.Subscribe(protocol.CommandFilter(a.opts.DeviceID))
		}
		if err == nil {
			err = b.Subscribe(protocol.TelemetryTopic)
		}
		if err == nil {
			log.Info().Str("device_id", a.opts.DeviceID).Int("attempt", attempt).Msg("agent online")
			return nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("broker connection failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}
