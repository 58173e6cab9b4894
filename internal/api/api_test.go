package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/John-Progr/MAITRE-DTs/internal/correlator"
	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/John-Progr/MAITRE-DTs/internal/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMeasurer struct {
	got  orchestrator.Request
	resp orchestrator.Measurement
	err  error
}

func (f *fakeMeasurer) Measure(_ context.Context, req orchestrator.Request) (orchestrator.Measurement, error) {
	f.got = req
	return f.resp, f.err
}

type fakeCommander struct {
	sent   []protocol.Command
	result correlator.CommandResult
	setup  correlator.SetupResult
	got    protocol.NetworkSetup
}

func (f *fakeCommander) SendCommand(cmd protocol.Command) correlator.CommandResult {
	f.sent = append(f.sent, cmd)
	return f.result
}

func (f *fakeCommander) SendNetworkSetup(s protocol.NetworkSetup) correlator.SetupResult {
	f.got = s
	return f.setup
}

type fakeBroker struct{ err error }

func (f fakeBroker) EnsureConnection() error { return f.err }
func (f fakeBroker) Status() bus.Status {
	return bus.Status{Connected: f.err == nil, Broker: "tcp://mosquitto:1883", Subscriptions: []string{"telemetry"}}
}

type recordingSink struct {
	mu  sync.Mutex
	got []orchestrator.Measurement
}

func (s *recordingSink) Record(_ context.Context, m orchestrator.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestMeasure_OKRecordsToSinks(t *testing.T) {
	m := &fakeMeasurer{resp: orchestrator.Measurement{Source: "a", Destination: "b", RateMbps: 18.2, WirelessChannel: 6, Timestamp: 1}}
	sink := &recordingSink{}
	failing := SinkFunc(func(context.Context, orchestrator.Measurement) error { return errors.New("disk full") })
	s := NewServer(Deps{Measurer: m, Broker: fakeBroker{}, Sinks: []Sink{failing, sink}})

	rec := do(t, s, http.MethodPost, "/network/data-transfer-rate",
		`{"source":"192.168.2.80","destination":"192.168.2.100","path":["192.168.2.40"],"wireless_channel":11}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var got orchestrator.Measurement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 18.2, got.RateMbps)
	assert.Equal(t, []string{"192.168.2.40"}, m.got.Path)
	assert.Equal(t, 11, m.got.WirelessChannel)
	assert.Len(t, sink.got, 1)
}

func TestMeasure_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		broker error
		err    error
		want   int
	}{
		{"bad json", `{`, nil, nil, http.StatusBadRequest},
		{"broker down", `{}`, errors.New("refused"), nil, http.StatusServiceUnavailable},
		{"invalid request", `{}`, nil, errors.Wrap(orchestrator.ErrInvalidRequest, "source"), http.StatusBadRequest},
		{"unknown device", `{}`, nil, orchestrator.ErrUnresolvedDevice, http.StatusBadRequest},
		{"illegal channel", `{}`, nil, orchestrator.ErrUnsupportedChannel, http.StatusBadRequest},
		{"timeout", `{}`, nil, orchestrator.ErrMeasurementTimeout, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			s := NewServer(Deps{Measurer: &fakeMeasurer{err: tt.err}, Broker: fakeBroker{err: tt.broker}, Sinks: []Sink{sink}})
			rec := do(t, s, http.MethodPost, "/network/data-transfer-rate", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, sink.got)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(Deps{Broker: fakeBroker{}})
	rec := do(t, s, http.MethodGet, "/network/data-transfer-rate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestNetworkHealth(t *testing.T) {
	s := NewServer(Deps{Broker: fakeBroker{}})
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	rec := do(t, s, http.MethodGet, "/network/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","message":"Network API is up and running.","timestamp":1700000000000}`, rec.Body.String())
}

func TestSendSingle(t *testing.T) {
	c := &fakeCommander{result: correlator.CommandResult{Status: correlator.StatusSuccess, DeviceID: "pi04", Role: protocol.RoleClient}}
	s := NewServer(Deps{Commander: c, Broker: fakeBroker{}})

	rec := do(t, s, http.MethodPost, "/commands/send-single",
		`{"device_id":"pi04","role":"client","wireless_channel":6,"region":"GR","ip_server":"192.168.2.100"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, c.sent, 1)
	assert.Equal(t, protocol.ClientCommand{
		Base:     protocol.Base{DeviceID: "pi04", WirelessChannel: 6, Region: "GR"},
		ServerIP: "192.168.2.100",
	}, c.sent[0])
}

func TestSendSingle_Errors(t *testing.T) {
	c := &fakeCommander{result: correlator.CommandResult{Status: correlator.StatusError, Message: "not connected"}}
	s := NewServer(Deps{Commander: c, Broker: fakeBroker{}})

	rec := do(t, s, http.MethodPost, "/commands/send-single", `{"role":"client","ip_server":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "device_id is required")

	rec = do(t, s, http.MethodPost, "/commands/send-single", `{"device_id":"pi04","role":"gateway"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/commands/send-single", `{"device_id":"pi04","role":"client","ip_server":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "not connected")
}

const setupBody = `{
	"server_command": {"device_id":"pi01","wireless_channel":6,"region":"GR","ip_client":"192.168.2.80","previous_ip":"192.168.2.40"},
	"forwarder_commands": [
		{"device_id":"pi03","role":"intermediate","wireless_channel":6,"region":"GR","ip_routing_next":"192.168.2.100","ip_routing_previous":"192.168.2.80","ip_server":"192.168.2.100","ip_client":"192.168.2.80"}
	],
	"client_command": {"device_id":"pi04","wireless_channel":6,"region":"GR","ip_server":"192.168.2.100","ip_routing":"192.168.2.40"}
}`

func TestSendNetworkSetup(t *testing.T) {
	c := &fakeCommander{setup: correlator.SetupResult{OverallStatus: correlator.StatusSuccess}}
	s := NewServer(Deps{Commander: c, Broker: fakeBroker{}})

	rec := do(t, s, http.MethodPost, "/commands/send-network-setup", setupBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pi01", c.got.Server.DeviceID)
	require.Len(t, c.got.Forwarders, 1)
	assert.Equal(t, "192.168.2.100", c.got.Forwarders[0].NextIP)
	assert.Equal(t, "192.168.2.40", c.got.Client.RoutingIP)
}

func TestSendNetworkSetup_PartialFailure(t *testing.T) {
	c := &fakeCommander{setup: correlator.SetupResult{OverallStatus: correlator.StatusPartialFailure, FailedCount: 1}}
	s := NewServer(Deps{Commander: c, Broker: fakeBroker{}})

	rec := do(t, s, http.MethodPost, "/commands/send-network-setup", setupBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed_count":1`)
}

func TestSendNetworkSetup_WrongRoleInSlot(t *testing.T) {
	s := NewServer(Deps{Commander: &fakeCommander{}, Broker: fakeBroker{}})
	body := `{"server_command":{"device_id":"pi01","role":"client","ip_server":"x"},"client_command":{"device_id":"pi04","ip_server":"x"}}`

	rec := do(t, s, http.MethodPost, "/commands/send-network-setup", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "server_command")
}

func TestBusStatusAndHealth(t *testing.T) {
	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"running":true}`)) })
	s := NewServer(Deps{Broker: fakeBroker{}, Health: health})

	rec := do(t, s, http.MethodGet, "/mqtt/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st bus.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Connected)
	assert.Equal(t, []string{"telemetry"}, st.Subscriptions)

	rec = do(t, s, http.MethodGet, "/health", "")
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())
}

func TestClient_MeasureRate(t *testing.T) {
	var got orchestrator.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, orchestrator.Measurement{Source: got.Source, RateMbps: 21.5, WirelessChannel: got.WirelessChannel})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	m, err := c.MeasureRate(context.Background(), orchestrator.Request{Source: "a", Destination: "b", WirelessChannel: 11})
	require.NoError(t, err)
	assert.Equal(t, 21.5, m.RateMbps)
	assert.Equal(t, 11, m.WirelessChannel)
	assert.NotNil(t, got.Path, "path is always sent as a list")
}

func TestClient_DefaultEndpointReachesMeasureRoute(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	u, err := url.Parse(cfg.Learner.Endpoint)
	require.NoError(t, err)

	m := &fakeMeasurer{resp: orchestrator.Measurement{Source: "192.168.2.80", Destination: "192.168.2.100", RateMbps: 27.4, WirelessChannel: 6}}
	srv := httptest.NewServer(NewServer(Deps{Measurer: m, Broker: fakeBroker{}}))
	defer srv.Close()

	got, err := NewClient(srv.URL+u.Path, time.Second).MeasureRate(context.Background(), orchestrator.Request{
		Source:      cfg.Learner.Source,
		Destination: cfg.Learner.Destination,
	})
	require.NoError(t, err)
	assert.Equal(t, 27.4, got.RateMbps)
	assert.Equal(t, "192.168.2.80", m.got.Source)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusInternalServerError, "measurement timed out")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).MeasureRate(context.Background(), orchestrator.Request{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "measurement timed out", se.Detail)
}
