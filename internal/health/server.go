package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Server exposes process liveness as a small JSON document.
type Server struct {
	addr string

	running    int32
	brokerUp   int32
	lastPingOk int32

	mu     sync.Mutex
	role   string
	since  time.Time
	srv    *http.Server
	closed bool
}

func New(addr string) *Server {
	return &Server{addr: addr, since: time.Now()}
}

func setFlag(flag *int32, ok bool) {
	if ok {
		atomic.StoreInt32(flag, 1)
	} else {
		atomic.StoreInt32(flag, 0)
	}
}

func (s *Server) SetRunning(ok bool)         { setFlag(&s.running, ok) }
func (s *Server) SetBrokerConnected(ok bool) { setFlag(&s.brokerUp, ok) }
func (s *Server) SetPingHealthy(ok bool)     { setFlag(&s.lastPingOk, ok) }

// SetRole records the role the device last switched to.
func (s *Server) SetRole(role string) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

type Document struct {
	Running         bool   `json:"running"`
	BrokerConnected bool   `json:"broker_connected"`
	PingOK          bool   `json:"ping_ok"`
	Role            string `json:"role,omitempty"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

func (s *Server) Snapshot() Document {
	s.mu.Lock()
	role, since := s.role, s.since
	s.mu.Unlock()
	return Document{
		Running:         atomic.LoadInt32(&s.running) == 1,
		BrokerConnected: atomic.LoadInt32(&s.brokerUp) == 1,
		PingOK:          atomic.LoadInt32(&s.lastPingOk) == 1,
		Role:            role,
		UptimeSeconds:   int64(time.Since(since).Seconds()),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	doc := s.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !doc.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Warn().Err(err).Msg("writing health response")
	}
}

// Serve listens on addr until Shutdown is called.
func (s *Server) Serve() error {
	mux := http.NewServeMux()
	mux.Handle("/health", s)

	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.srv = srv
	s.mu.Unlock()

	log.Info().Str("addr", s.addr).Msg("health endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
