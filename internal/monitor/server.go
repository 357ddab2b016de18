package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/evtrack/internal/httputil"
	"github.com/banshee-data/evtrack/internal/pipeline"
	"github.com/banshee-data/evtrack/internal/sink"
	"github.com/banshee-data/evtrack/internal/tracker"
	"github.com/banshee-data/evtrack/internal/version"
)

// StatusProvider reports pipeline counters.
type StatusProvider interface {
	Stats() pipeline.Stats
}

// ParticleProvider exposes the tracker state drawn by the charts.
type ParticleProvider interface {
	Particles() []tracker.Particle
	Latest() (tracker.TargetEstimate, bool)
	Config() tracker.Config
}

// ServerConfig contains configuration options for the monitor server.
type ServerConfig struct {
	Address string
	Status  StatusProvider
	Tracker ParticleProvider
	History *History
	// Store, when set, adds the recorder's SQL console and backup routes.
	Store *sink.Store
}

// Server serves live status and debug charts for a running pipeline.
type Server struct {
	cfg     ServerConfig
	server  *http.Server
	started time.Time

	mu   sync.Mutex
	addr net.Addr
}

// Status is the body of /api/status.
type Status struct {
	Uptime   float64                 `json:"uptime_seconds"`
	Pipeline *pipeline.Stats         `json:"pipeline,omitempty"`
	Latest   *tracker.TargetEstimate `json:"latest,omitempty"`
	History  int                     `json:"history"`
}

// NewServer builds a server and its routes. It does not listen until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{cfg: cfg, started: time.Now()}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr returns the bound address once Start is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/estimates", s.handleEstimates)

	debug := tsweb.Debugger(mux)
	debug.Handle("charts/estimates", "Estimate history chart", http.HandlerFunc(s.handleEstimatesChart))
	debug.Handle("charts/particles", "Particle cloud", http.HandlerFunc(s.handleParticlesChart))
	debug.KV("Version", version.String())
	debug.KV("Started", s.started.Format(time.RFC3339))

	if s.cfg.Store != nil {
		if err := s.cfg.Store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// Start serves until ctx is cancelled, then shuts down with a short grace
// period. It returns an error only if the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("monitor: listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		log.Printf("monitor: serving on http://%s", ln.Addr())
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("monitor: shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			log.Printf("monitor: force close error: %v", err)
		}
	}
	log.Printf("monitor: stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "service": "evtrack", "version": version.Version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	st := Status{Uptime: time.Since(s.started).Seconds()}
	if s.cfg.Status != nil {
		ps := s.cfg.Status.Stats()
		st.Pipeline = &ps
	}
	if s.cfg.Tracker != nil {
		if est, ok := s.cfg.Tracker.Latest(); ok {
			st.Latest = &est
		}
	}
	if s.cfg.History != nil {
		st.History = s.cfg.History.Len()
	}
	httputil.WriteJSONOK(w, st)
}

// handleEstimates returns recent estimates, oldest first.
// Query params:
//   - limit (optional; default all stored, max the ring size)
func (s *Server) handleEstimates(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	if s.cfg.History == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no estimate history")
		return
	}
	limit, ok := httputil.PositiveIntParam(w, r, "limit", 0)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, s.cfg.History.Last(limit))
}
