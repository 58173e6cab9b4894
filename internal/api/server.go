package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/bus"
	"github.com/John-Progr/MAITRE-DTs/internal/correlator"
	"github.com/John-Progr/MAITRE-DTs/internal/orchestrator"
	"github.com/John-Progr/MAITRE-DTs/internal/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Measurer interface {
	Measure(ctx context.Context, req orchestrator.Request) (orchestrator.Measurement, error)
}

type Commander interface {
	SendCommand(cmd protocol.Command) correlator.CommandResult
	SendNetworkSetup(setup protocol.NetworkSetup) correlator.SetupResult
}

type Broker interface {
	EnsureConnection() error
	Status() bus.Status
}

// Sink receives every successful measurement.
type Sink interface {
	Record(ctx context.Context, m orchestrator.Measurement) error
}

type SinkFunc func(ctx context.Context, m orchestrator.Measurement) error

func (f SinkFunc) Record(ctx context.Context, m orchestrator.Measurement) error { return f(ctx, m) }

type Deps struct {
	Measurer  Measurer
	Commander Commander
	Broker    Broker
	// Health is mounted at /health when set.
	Health http.Handler
	Sinks  []Sink
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux(), now: time.Now}
	s.mux.HandleFunc("/network/data-transfer-rate", s.post(s.handleMeasure))
	s.mux.HandleFunc("/network/health", s.get(s.handleNetworkHealth))
	s.mux.HandleFunc("/commands/send-single", s.post(s.handleSendSingle))
	s.mux.HandleFunc("/commands/send-network-setup", s.post(s.handleSendSetup))
	s.mux.HandleFunc("/mqtt/status", s.get(s.handleBusStatus))
	if deps.Health != nil {
		s.mux.Handle("/health", deps.Health)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rw, r)
	log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rw.status).
		Dur("took", s.now().Sub(start)).
		Msg("http request")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc { return method(http.MethodPost, h) }
func (s *Server) get(h http.HandlerFunc) http.HandlerFunc  { return method(http.MethodGet, h) }

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

type errorBody struct {
	Detail  string `json:"detail"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("writing response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.deps.Broker.EnsureConnection(); err != nil {
		log.Error().Err(err).Msg("broker unavailable")
		writeError(w, http.StatusServiceUnavailable, "message broker unavailable")
		return
	}

	m, err := s.deps.Measurer.Measure(r.Context(), req)
	switch {
	case err == nil:
	case orchestrator.IsBadRequest(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		log.Error().Err(err).Str("source", req.Source).Str("destination", req.Destination).Msg("measurement failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, sink := range s.deps.Sinks {
		if err := sink.Record(r.Context(), m); err != nil {
			log.Warn().Err(err).Msg("recording measurement")
		}
	}
	writeJSON(w, http.StatusOK, m)
}

type networkHealth struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleNetworkHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, networkHealth{
		Status:    "ok",
		Message:   "Network API is up and running.",
		Timestamp: s.now().UnixMilli(),
	})
}

func (s *Server) handleSendSingle(w http.ResponseWriter, r *http.Request) {
	var wire protocol.Wire
	if err := decodeBody(w, r, &wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	cmd, err := commandFromWire(wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Commander.SendCommand(cmd)
	if !res.OK() {
		writeError(w, http.StatusInternalServerError, res.Message)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type setupRequest struct {
	Server     protocol.Wire   `json:"server_command"`
	Forwarders []protocol.Wire `json:"forwarder_commands"`
	Client     protocol.Wire   `json:"client_command"`
}

func (s *Server) handleSendSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	setup, err := req.toSetup()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Commander.SendNetworkSetup(setup)
	if res.OverallStatus == correlator.StatusFailure || res.OverallStatus == correlator.StatusPartialFailure {
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Detail:  "failed to fully apply network setup",
			Details: res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBusStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Broker.Status())
}

func commandFromWire(wire protocol.Wire) (protocol.Command, error) {
	if wire.DeviceID == "" {
		return nil, errors.Wrap(protocol.ErrMissingField, "device_id")
	}
	return protocol.FromWire(wire)
}

func (r setupRequest) toSetup() (protocol.NetworkSetup, error) {
	var setup protocol.NetworkSetup

	server, err := typed[protocol.ServerCommand](r.Server, protocol.RoleServer)
	if err != nil {
		return setup, errors.Wrap(err, "server_command")
	}
	setup.Server = server

	for i, fw := range r.Forwarders {
		f, err := typed[protocol.ForwarderCommand](fw, protocol.RoleForwarder)
		if err != nil {
			return setup, errors.Wrapf(err, "forwarder_commands[%d]", i)
		}
		setup.Forwarders = append(setup.Forwarders, f)
	}

	client, err := typed[protocol.ClientCommand](r.Client, protocol.RoleClient)
	if err != nil {
		return setup, errors.Wrap(err, "client_command")
	}
	setup.Client = client
	return setup, nil
}

// typed decodes wire as the role the setup slot requires. A missing role
// defaults to that slot's role.
func typed[T protocol.Command](wire protocol.Wire, role protocol.Role) (T, error) {
	var zero T
	if wire.Role == "" {
		wire.Role = role
	}
	cmd, err := commandFromWire(wire)
	if err != nil {
		return zero, err
	}
	t, ok := cmd.(T)
	if !ok {
		return zero, errors.Errorf("role %s is not %s", cmd.Role(), role)
	}
	return t, nil
}
