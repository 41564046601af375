// Package admin serves the broker's operational HTTP surface: Prometheus
// metrics, a health probe and JSON snapshots of ports and channels.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/ipc"
	"github.com/fiasco-engine/ipc/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// Inspector is the read-only view of a broker the admin server needs
type Inspector interface {
	Ports() []ipc.PortInfo
	Channels() []ipc.ChannelInfo
	Stats() ipc.BrokerStats
}

// Server is the admin HTTP server
type Server struct {
	addr    string
	broker  Inspector
	gather  prometheus.Gatherer
	handler http.Handler
	logger  *logger.Logger
}

// NewServer creates an admin server for broker. Metrics are served from
// gatherer; a nil gatherer falls back to the default registry.
func NewServer(addr string, broker Inspector, gatherer prometheus.Gatherer, log *logger.Logger) (*Server, error) {
	if broker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker cannot be nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		addr:   addr,
		broker: broker,
		gather: gatherer,
		logger: log.With("component", "admin"),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/ports", s.handlePorts)
		r.Get("/channels", s.handleChannels)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to bind admin address", err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Admin server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "admin server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Admin server shutdown incomplete", "error", err)
		return types.WrapError(types.ErrCodeInternal, "admin server shutdown failed", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.broker.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"listening_ports": stats.ListeningPorts,
		"open_channels":   stats.OpenChannels,
	})
}

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	ports := s.broker.Ports()
	if ports == nil {
		ports = []ipc.PortInfo{}
	}
	s.writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.broker.Channels()
	if channels == nil {
		channels = []ipc.ChannelInfo{}
	}
	s.writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.broker.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write admin response", "error", err)
	}
}
