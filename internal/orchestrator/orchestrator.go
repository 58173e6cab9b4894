package orchestrator

import (
	"context"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/correlator"
	"github.com/John-Progr/MAITRE-DTs/internal/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidRequest     = errors.New("invalid measurement request")
	ErrUnresolvedDevice   = errors.New("no device registered for address")
	ErrUnsupportedChannel = errors.New("unsupported wireless channel")
	ErrSetupFailed        = errors.New("no setup command could be sent")
	ErrMeasurementTimeout = errors.New("measurement timed out")
	ErrMalformedTelemetry = errors.New("telemetry carries no sent rate")
)

// IsBadRequest reports whether err is the caller's fault rather than the testbed's.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnresolvedDevice) ||
		errors.Is(err, ErrUnsupportedChannel)
}

type Commander interface {
	SendCommand(cmd protocol.Command) correlator.CommandResult
	ExpectMatching(topic string, accept func(bus.Payload) bool) *correlator.Waiter
}

type Inventory interface {
	DeviceID(ip string) (string, bool)
	Region(channel int) (string, error)
}

type Request struct {
	Source          string   `json:"source"`
	Destination     string   `json:"destination"`
	Path            []string `json:"path"`
	WirelessChannel int      `json:"wireless_channel,omitempty"`
}

type Measurement struct {
	Source          string  `json:"source"`
	Destination     string  `json:"destination"`
	RateMbps        float64 `json:"rate_mbps"`
	WirelessChannel int     `json:"wireless_channel"`
	Timestamp       int64   `json:"timestamp"` // unix ms
}

type Options struct {
	TelemetryTimeout time.Duration
	DefaultChannel   int
}

// Orchestrator runs one multihop measurement at a time: it assigns roles
// along the path and waits for the client's telemetry.
type Orchestrator struct {
	cmd  Commander
	inv  Inventory
	opts Options

	slot  chan struct{}
	newID func() string
	now   func() time.Time
}

func New(cmd Commander, inv Inventory, opts Options) *Orchestrator {
	if opts.TelemetryTimeout <= 0 {
		opts.TelemetryTimeout = 100 * time.Second
	}
	return &Orchestrator{
		cmd:   cmd,
		inv:   inv,
		opts:  opts,
		slot:  make(chan struct{}, 1),
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
}

// Plan builds the commands for req in send order. Nothing is sent.
func (o *Orchestrator) Plan(req Request, requestID string) ([]protocol.Command, error) {
	if req.Source == "" || req.Destination == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "source and destination are required")
	}
	if req.Source == req.Destination {
		return nil, errors.Wrap(ErrInvalidRequest, "source and destination must differ")
	}
	path := make([]string, 0, len(req.Path))
	for _, hop := range req.Path {
		if hop != "" {
			path = append(path, hop)
		}
	}

	channel := req.WirelessChannel
	if channel == 0 {
		channel = o.opts.DefaultChannel
	}
	region, err := o.inv.Region(channel)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedChannel, err.Error())
	}

	srcID, err := o.resolve(req.Source)
	if err != nil {
		return nil, err
	}
	dstID, err := o.resolve(req.Destination)
	if err != nil {
		return nil, err
	}
	hopIDs := make([]string, len(path))
	for i, hop := range path {
		if hopIDs[i], err = o.resolve(hop); err != nil {
			return nil, err
		}
	}

	base := func(id string) protocol.Base {
		return protocol.Base{DeviceID: id, WirelessChannel: channel, Region: region, RequestID: requestID}
	}

	if len(path) == 0 {
		return []protocol.Command{
			protocol.ServerCommand{Base: base(dstID), ClientIP: req.Source, PreviousIP: req.Source},
			protocol.ClientCommand{Base: base(srcID), ServerIP: req.Destination, RoutingIP: req.Destination},
		}, nil
	}

	cmds := []protocol.Command{
		protocol.ServerCommand{Base: base(dstID), ClientIP: req.Source, PreviousIP: path[len(path)-1]},
	}
	for i := range path {
		next := req.Destination
		if i+1 < len(path) {
			next = path[i+1]
		}
		prev := req.Source
		if i > 0 {
			prev = path[i-1]
		}
		cmds = append(cmds,
			protocol.ForwarderCommand{
				Base:       base(hopIDs[i]),
				NextIP:     next,
				PreviousIP: prev,
				ServerIP:   req.Destination,
				ClientIP:   req.Source,
			},
			// the client is re-sent after every forwarder; devices treat it
			// as the go signal once the path behind them is configured
			protocol.ClientCommand{Base: base(srcID), ServerIP: req.Destination, RoutingIP: path[0]},
		)
	}
	return cmds, nil
}

func (o *Orchestrator) resolve(ip string) (string, error) {
	id, ok := o.inv.DeviceID(ip)
	if !ok {
		return "", errors.Wrap(ErrUnresolvedDevice, ip)
	}
	return id, nil
}

// Measure configures the path for req and blocks until the client reports
// its rate or the telemetry timeout elapses. Concurrent calls queue up.
func (o *Orchestrator) Measure(ctx context.Context, req Request) (Measurement, error) {
	select {
	case o.slot <- struct{}{}:
	case <-ctx.Done():
		return Measurement{}, ctx.Err()
	}
	defer func() { <-o.slot }()

	requestID := o.newID()
	cmds, err := o.Plan(req, requestID)
	if err != nil {
		return Measurement{}, err
	}
	channel := cmds[0].(protocol.ServerCommand).WirelessChannel

	logger := log.With().
		Str("request_id", requestID).
		Str("source", req.Source).
		Str("destination", req.Destination).
		Int("hops", len(req.Path)).
		Int("wireless_channel", channel).
		Logger()
	logger.Info().Msg("starting measurement")

	// registered before sending so a fast reply is not missed; telemetry of
	// another experiment leaves the wait in place
	waiter := o.cmd.ExpectMatching(protocol.TelemetryTopic, func(p bus.Payload) bool {
		if rid, _ := p.String("request_id"); rid != "" && rid != requestID {
			logger.Warn().Str("stale_request_id", rid).Msg("discarding telemetry from another experiment")
			return false
		}
		return true
	})

	failed := 0
	for _, cmd := range cmds {
		if res := o.cmd.SendCommand(cmd); !res.OK() {
			failed++
			logger.Warn().Str("device_id", res.DeviceID).Str("role", string(res.Role)).Str("error", res.Message).Msg("setup command failed")
		}
	}
	if failed == len(cmds) {
		waiter.Cancel()
		return Measurement{}, ErrSetupFailed
	}

	payload, ok := waiter.Wait(ctx, o.opts.TelemetryTimeout)
	if !ok {
		if ctx.Err() != nil {
			return Measurement{}, ctx.Err()
		}
		logger.Warn().Dur("timeout", o.opts.TelemetryTimeout).Msg("no telemetry received")
		return Measurement{}, ErrMeasurementTimeout
	}

	rate, ok := payload.Float("sent_rate_mbps")
	if !ok {
		return Measurement{}, ErrMalformedTelemetry
	}

	m := Measurement{
		Source:          req.Source,
		Destination:     req.Destination,
		RateMbps:        rate,
		WirelessChannel: channel,
		Timestamp:       o.now().UnixMilli(),
	}
	logger.Info().Float64("rate_mbps", rate).Msg("measurement complete")
	return m, nil
}
