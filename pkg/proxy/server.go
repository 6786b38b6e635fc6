package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/domain"
)

// ServerConfig configures the proxy Server.
type ServerConfig struct {
	Address         string
	UpstreamProxy   string
	ShutdownTimeout time.Duration
	MaxPreview      int
	DialRetry       governance.RetryConfig
}

// Server is the recording forward proxy. Every exchange it serves is
// published to the event pipeline.
type Server struct {
	cfg       ServerConfig
	pub       Publisher
	forwarder *Forwarder
	handler   http.Handler
	logger    *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a proxy server publishing to pub.
func NewServer(cfg ServerConfig, pub Publisher, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	fwd, err := NewForwarder(ForwarderConfig{
		UpstreamProxy: cfg.UpstreamProxy,
		DialRetry:     cfg.DialRetry,
	}, logger)
	if err != nil {
		return nil, err
	}
	rec := NewRecorder(pub, RecorderConfig{MaxPreview: cfg.MaxPreview, Decide: fwd.Decide}, logger)

	recorded := rec.Wrap(fwd)
	traced := otelhttp.NewHandler(recorded, "polis.proxy")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// otelhttp hides http.Hijacker, which tunnelling needs.
		if r.Method == http.MethodConnect {
			recorded.ServeHTTP(w, r)
			return
		}
		traced.ServeHTTP(w, r)
	})

	return &Server{
		cfg:       cfg,
		pub:       pub,
		forwarder: fwd,
		handler:   handler,
		logger:    logger,
	}, nil
}

// Forwarder returns the server's forwarder.
func (s *Server) Forwarder() *Forwarder {
	return s.forwarder
}

// Handler returns the full proxy handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound listen address, or nil before Run binds it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully.
// A StatusChanged event is published when serving starts and when it stops.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("bind proxy listener %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	s.logger.Info("proxy listening", "addr", listener.Addr().String(), "mode", s.forwarder.Mode())
	s.publishStatus(true, "proxy started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		s.publishStatus(false, "proxy failed")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve proxy: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("proxy shutdown incomplete", "error", err)
		_ = server.Close()
	}
	s.publishStatus(false, "proxy stopped")
	s.logger.Info("proxy stopped", "total_requests", s.forwarder.TotalRequests())
	return nil
}

func (s *Server) publishStatus(running bool, message string) {
	status := domain.StatusChanged{
		Running:           running,
		Mode:              s.forwarder.Mode(),
		ActiveConnections: s.forwarder.ActiveConnections(),
		TotalRequests:     s.forwarder.TotalRequests(),
		Source:            "proxy",
		Message:           message,
	}
	if addr := s.Addr(); addr != nil {
		status.ListenAddress = addr.String()
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			status.Port, _ = strconv.Atoi(port)
		}
	}
	s.pub.Publish(domain.NewEvent("", status))
}
