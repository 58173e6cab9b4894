package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/correlator"
	"github.com/John-Progr/MAITRE-DTs/internal/inventory"
	"github.com/John-Progr/MAITRE-DTs/internal/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testbed stands in for the broker plus devices: it records every command and
// lets the test decide what the client reports back.
type testbed struct {
	mu       sync.Mutex
	corr     *correlator.Correlator
	sent     []protocol.Command
	failAll  bool
	failIDs  map[string]bool
	replies  []bus.Payload // published one per client command, in order
	replyIdx int
}

func (tb *testbed) Publish(topic string, payload any) error {
	cmd, err := protocol.Decode(payload.([]byte))
	if err != nil {
		return err
	}
	tb.mu.Lock()
	if tb.failAll || tb.failIDs[topic] {
		tb.mu.Unlock()
		return bus.ErrNotConnected
	}
	tb.sent = append(tb.sent, cmd)
	var reply bus.Payload
	if cmd.Role() == protocol.RoleClient && tb.replyIdx < len(tb.replies) {
		reply = tb.replies[tb.replyIdx]
		tb.replyIdx++
	}
	tb.mu.Unlock()

	if reply != nil {
		go tb.corr.HandleMessage(bus.Message{Topic: protocol.TelemetryTopic, Payload: reply})
	}
	return nil
}

func newTestOrchestrator(t *testing.T, tb *testbed, timeout time.Duration) *Orchestrator {
	t.Helper()
	tb.corr = correlator.New(tb)
	o := New(tb.corr, inventory.Default(), Options{TelemetryTimeout: timeout, DefaultChannel: 6})
	o.newID = func() string { return "req-1" }
	o.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return o
}

func TestPlan_SingleHop(t *testing.T) {
	o := newTestOrchestrator(t, &testbed{}, time.Second)

	cmds, err := o.Plan(Request{Source: "192.168.2.80", Destination: "192.168.2.100", WirelessChannel: 11}, "r")
	require.NoError(t, err)

	base := func(id string) protocol.Base {
		return protocol.Base{DeviceID: id, WirelessChannel: 11, Region: "GR", RequestID: "r"}
	}
	assert.Equal(t, []protocol.Command{
		protocol.ServerCommand{Base: base("device10"), ClientIP: "192.168.2.80", PreviousIP: "192.168.2.80"},
		protocol.ClientCommand{Base: base("device8"), ServerIP: "192.168.2.100", RoutingIP: "192.168.2.100"},
	}, cmds)
}

func TestPlan_MultiHop(t *testing.T) {
	o := newTestOrchestrator(t, &testbed{}, time.Second)

	cmds, err := o.Plan(Request{
		Source:          "192.168.2.80",
		Destination:     "192.168.2.100",
		Path:            []string{"192.168.2.40", "192.168.2.50"},
		WirelessChannel: 149,
	}, "r")
	require.NoError(t, err)

	base := func(id string) protocol.Base {
		return protocol.Base{DeviceID: id, WirelessChannel: 149, Region: "BR", RequestID: "r"}
	}
	client := protocol.ClientCommand{Base: base("device8"), ServerIP: "192.168.2.100", RoutingIP: "192.168.2.40"}
	assert.Equal(t, []protocol.Command{
		protocol.ServerCommand{Base: base("device10"), ClientIP: "192.168.2.80", PreviousIP: "192.168.2.50"},
		protocol.ForwarderCommand{Base: base("device4"), NextIP: "192.168.2.50", PreviousIP: "192.168.2.80",
			ServerIP: "192.168.2.100", ClientIP: "192.168.2.80"},
		client,
		protocol.ForwarderCommand{Base: base("device5"), NextIP: "192.168.2.100", PreviousIP: "192.168.2.40",
			ServerIP: "192.168.2.100", ClientIP: "192.168.2.80"},
		client,
	}, cmds)
}

func TestPlan_DefaultChannel(t *testing.T) {
	o := newTestOrchestrator(t, &testbed{}, time.Second)

	cmds, err := o.Plan(Request{Source: "192.168.2.80", Destination: "192.168.2.100"}, "r")
	require.NoError(t, err)
	srv := cmds[0].(protocol.ServerCommand)
	assert.Equal(t, 6, srv.WirelessChannel)
	assert.Equal(t, "GR", srv.Region)
}

func TestPlan_Errors(t *testing.T) {
	o := newTestOrchestrator(t, &testbed{}, time.Second)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing source", Request{Destination: "192.168.2.100"}, ErrInvalidRequest},
		{"same endpoints", Request{Source: "192.168.2.80", Destination: "192.168.2.80"}, ErrInvalidRequest},
		{"unknown source", Request{Source: "10.0.0.1", Destination: "192.168.2.100"}, ErrUnresolvedDevice},
		{"unknown hop", Request{Source: "192.168.2.80", Destination: "192.168.2.100", Path: []string{"10.9.9.9"}}, ErrUnresolvedDevice},
		{"channel without region", Request{Source: "192.168.2.80", Destination: "192.168.2.100", WirelessChannel: 14}, ErrUnsupportedChannel},
		{"unknown channel", Request{Source: "192.168.2.80", Destination: "192.168.2.100", WirelessChannel: 999}, ErrUnsupportedChannel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Plan(tt.req, "r")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, IsBadRequest(err))
		})
	}
}

func TestMeasure_Success(t *testing.T) {
	tb := &testbed{replies: []bus.Payload{{"wireless_channel": 6.0, "sent_rate_mbps": 94.37, "request_id": "req-1"}}}
	o := newTestOrchestrator(t, tb, time.Second)

	m, err := o.Measure(context.Background(), Request{
		Source:      "192.168.2.80",
		Destination: "192.168.2.100",
		Path:        []string{"192.168.2.40"},
	})
	require.NoError(t, err)
	assert.Equal(t, Measurement{
		Source:          "192.168.2.80",
		Destination:     "192.168.2.100",
		RateMbps:        94.37,
		WirelessChannel: 6,
		Timestamp:       1700000000000,
	}, m)

	require.Len(t, tb.sent, 3)
	assert.Equal(t, protocol.RoleServer, tb.sent[0].Role())
	assert.Equal(t, protocol.RoleForwarder, tb.sent[1].Role())
	assert.Equal(t, protocol.RoleClient, tb.sent[2].Role())
	assert.Equal(t, 0, tb.corr.Pending())
}

func TestMeasure_TelemetryWithoutRequestIDAccepted(t *testing.T) {
	tb := &testbed{replies: []bus.Payload{{"wireless_channel": 6.0, "sent_rate_mbps": 12.5}}}
	o := newTestOrchestrator(t, tb, time.Second)

	m, err := o.Measure(context.Background(), Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	require.NoError(t, err)
	assert.Equal(t, 12.5, m.RateMbps)
}

func TestMeasure_StaleTelemetryDiscarded(t *testing.T) {
	tb := &testbed{}
	o := newTestOrchestrator(t, tb, time.Second)

	waitPending := func() {
		for tb.corr.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	go func() {
		waitPending()
		tb.corr.HandleMessage(bus.Message{Topic: "telemetry", Payload: bus.Payload{"sent_rate_mbps": 1.0, "request_id": "old"}})
		waitPending()
		tb.corr.HandleMessage(bus.Message{Topic: "telemetry", Payload: bus.Payload{"sent_rate_mbps": 33.0, "request_id": "req-1"}})
	}()

	m, err := o.Measure(context.Background(), Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	require.NoError(t, err)
	assert.Equal(t, 33.0, m.RateMbps)
}

func TestMeasure_StaleAndFreshTelemetryBackToBack(t *testing.T) {
	tb := &testbed{}
	o := newTestOrchestrator(t, tb, 300*time.Millisecond)

	go func() {
		for tb.corr.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		tb.corr.HandleMessage(bus.Message{Topic: "telemetry", Payload: bus.Payload{"sent_rate_mbps": 1.0, "request_id": "old"}})
		tb.corr.HandleMessage(bus.Message{Topic: "telemetry", Payload: bus.Payload{"sent_rate_mbps": 33.0, "request_id": "req-1"}})
	}()

	m, err := o.Measure(context.Background(), Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	require.NoError(t, err)
	assert.Equal(t, 33.0, m.RateMbps)
	assert.Equal(t, 0, tb.corr.Pending())
}

func TestMeasure_Timeout(t *testing.T) {
	o := newTestOrchestrator(t, &testbed{}, 50*time.Millisecond)
	o.now = time.Now

	_, err := o.Measure(context.Background(), Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	assert.ErrorIs(t, err, ErrMeasurementTimeout)
	assert.False(t, IsBadRequest(err))
}

func TestMeasure_MalformedTelemetry(t *testing.T) {
	tb := &testbed{replies: []bus.Payload{{"wireless_channel": 6.0}}}
	o := newTestOrchestrator(t, tb, time.Second)

	_, err := o.Measure(context.Background(), Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	assert.ErrorIs(t, err, ErrMalformedTelemetry)
}

func TestMeasure_SetupFailed(t *testing.T) {
	tb := &testbed{failAll: true}
	o := newTestOrchestrator(t, tb, time.Second)

	_, err := o.Measure(context.Background(), Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	assert.ErrorIs(t, err, ErrSetupFailed)
	assert.Equal(t, 0, tb.corr.Pending())
}

func TestMeasure_PartialFailureStillMeasures(t *testing.T) {
	tb := &testbed{
		failIDs: map[string]bool{"command/device4/req/start": true},
		replies: []bus.Payload{{"sent_rate_mbps": 5.0}},
	}
	o := newTestOrchestrator(t, tb, time.Second)

	m, err := o.Measure(context.Background(), Request{
		Source: "192.168.2.80", Destination: "192.168.2.100", Path: []string{"192.168.2.40"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, m.RateMbps)
	assert.Len(t, tb.sent, 2, "server and client still sent")
}

func TestMeasure_UnresolvedSendsNothing(t *testing.T) {
	tb := &testbed{}
	o := newTestOrchestrator(t, tb, time.Second)

	_, err := o.Measure(context.Background(), Request{
		Source: "192.168.2.80", Destination: "192.168.2.100", Path: []string{"10.0.0.1"},
	})
	assert.ErrorIs(t, err, ErrUnresolvedDevice)
	assert.Empty(t, tb.sent)
}

func TestMeasure_Serialised(t *testing.T) {
	o := newTestOrchestrator(t, &testbed{}, time.Second)

	// occupy the single slot
	o.slot <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Measure(ctx, Request{Source: "192.168.2.80", Destination: "192.168.2.100"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-o.slot
}
