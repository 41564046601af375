package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fiasco-engine/ipc/internal/config"
	"github.com/fiasco-engine/ipc/internal/logger"
	"github.com/fiasco-engine/ipc/pkg/types"
)

// acceptFunc receives every upgraded connection
type acceptFunc func(l *Listener, ws *websocket.Conn, remoteAddr string)

// enterFunc registers an in-flight request with the owner of the listener.
// It returns false once the owner is shutting down; otherwise the caller
// must call leave when the request is done.
type enterFunc func() (leave func(), ok bool)

// bindTCP opens the OS socket for port and maps failures onto listen results
func bindTCP(host string, port types.Port) (net.Listener, types.ListenResult, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err == nil {
		return ln, types.ListenSuccess, nil
	}
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return nil, types.ListenInUseFailure, err
	case errors.Is(err, os.ErrPermission):
		return nil, types.ListenNoPermissionFailure, err
	default:
		return nil, types.ListenGeneralFailure, err
	}
}

// Listener accepts WebSocket connections on one port. Stopping it closes
// the accept socket only; upgraded connections are hijacked from the HTTP
// server and keep running.
type Listener struct {
	port     types.Port
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	accept   acceptFunc
	enter    enterFunc // nil admits every request
	metrics  *Metrics
	done     chan struct{}
	stopOnce sync.Once
	logger   *logger.Logger
}

func newListener(port types.Port, ln net.Listener, cfg config.IPCConfig, accept acceptFunc, m *Metrics, log *logger.Logger) *Listener {
	l := &Listener{
		port: port,
		ln:   ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		accept:  accept,
		metrics: m,
		done:    make(chan struct{}),
		logger:  log.With("port", uint16(port)),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(l.logger.Slog().Handler(), slog.LevelDebug),
	}
	return l
}

// start runs the accept loop. onExit gets the error Serve returned, which
// is http.ErrServerClosed after Stop.
func (l *Listener) start(onExit func(err error)) {
	go func() {
		err := l.srv.Serve(l.ln)
		close(l.done)
		onExit(err)
	}()
}

// ServeHTTP upgrades the request and hands the connection to the broker
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.enter != nil {
		leave, ok := l.enter()
		if !ok {
			l.metrics.refused.WithLabelValues("shutting_down").Inc()
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer leave()
	}

	if l.limiter != nil && !l.limiter.Allow() {
		l.metrics.refused.WithLabelValues("rate_limited").Inc()
		l.logger.Warn("Connection refused, accept rate exceeded", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		l.metrics.refused.WithLabelValues("handshake").Inc()
		l.logger.Warn("WebSocket handshake failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	l.accept(l, ws, r.RemoteAddr)
}

// Stop closes the accept socket before returning, so the port can be bound
// again right away. It is safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if err := l.srv.Close(); err != nil {
			l.logger.Debug("Listener close returned error", "error", err)
		}
		// Serve may not have picked up ln yet, in which case srv.Close
		// leaves it open
		_ = l.ln.Close()
	})
}

// Done is closed once the accept loop has exited
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port returns the port this listener serves
func (l *Listener) Port() types.Port {
	return l.port
}

func (l *Listener) String() string {
	return fmt.Sprintf("Listener{Port: %d, Addr: %s}", l.port, l.Addr())
}
