package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-monitor/pkg/domain"
)

const defaultEntriesLimit = 100

// AdminHandler returns the admin surface: metrics, health, snapshot, report,
// optimization, entries and the live feed.
func (p *Pipeline) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", p.metrics.Handler())
	mux.HandleFunc("GET /healthz", p.handleHealth)
	mux.HandleFunc("GET /snapshot", p.handleSnapshot)
	mux.HandleFunc("GET /report", p.handleReport)
	mux.HandleFunc("POST /optimize", p.handleOptimize)
	mux.HandleFunc("GET /entries", p.handleEntries)

	feed := p.metrics.MetricsMiddleware(p.hub)
	traced := otelhttp.NewHandler(p.metrics.MetricsMiddleware(mux), "polis.admin")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The feed upgrade needs http.Hijacker, which otelhttp hides.
		if r.URL.Path == "/ws" {
			feed.ServeHTTP(w, r)
			return
		}
		traced.ServeHTTP(w, r)
	})
}

func (p *Pipeline) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if p.rotator.Disabled() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"score":   p.monitor.Last().Score,
		"entries": p.memory.Len(),
		"clients": p.hub.ClientCount(),
	})
}

func (p *Pipeline) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (p *Pipeline) handleReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.Report())
}

func (p *Pipeline) handleOptimize(w http.ResponseWriter, r *http.Request) {
	result := p.ForceOptimization(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (p *Pipeline) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit := defaultEntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
				Code:    "INVALID_LIMIT",
				Message: fmt.Sprintf("invalid limit %q", raw),
				TraceID: traceID(r),
			})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, p.Entries(limit))
}

func traceID(r *http.Request) string {
	sc := trace.SpanContextFromContext(r.Context())
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (p *Pipeline) serveAdmin(ctx context.Context) error {
	cfg := p.Config()
	listener, err := net.Listen("tcp", cfg.Server.AdminAddress)
	if err != nil {
		return fmt.Errorf("bind admin listener %s: %w", cfg.Server.AdminAddress, err)
	}
	p.mu.Lock()
	p.adminAddr = listener.Addr()
	p.mu.Unlock()

	server := &http.Server{
		Handler:           p.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	p.logger.Info("admin server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve admin: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		p.logger.Warn("admin shutdown incomplete", "error", err)
		_ = server.Close()
	}
	return nil
}
