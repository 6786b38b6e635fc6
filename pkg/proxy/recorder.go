// Package proxy connects proxy traffic to the event pipeline: a recording
// middleware that publishes one event per exchange milestone, and a forward
// proxy that serves plain HTTP and CONNECT tunnels.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// RequestIDHeader carries the correlation id of a recorded exchange.
const RequestIDHeader = "X-Polis-Request-ID"

// DefaultMaxPreview bounds the request and response body previews.
const DefaultMaxPreview = 10 * 1024

// Publisher accepts events. *events.Queue implements it.
type Publisher interface {
	Publish(ev domain.Event) bool
}

// RecorderConfig configures the Recorder.
type RecorderConfig struct {
	// MaxPreview bounds body previews. Zero selects DefaultMaxPreview.
	MaxPreview int
	// Decide returns the initial routing decision for a request.
	Decide func(*http.Request) string
}

type exchangeKey struct{}

// exchange is the per-request recording state shared with the handler
// through the request context.
type exchange struct {
	id  string
	pub Publisher

	mu       sync.Mutex
	decision string
	status   int
	errKind  domain.ErrorKind
	err      error
}

// RequestID returns the correlation id of the exchange recorded for ctx.
func RequestID(ctx context.Context) (string, bool) {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok {
		return "", false
	}
	return ex.id, true
}

// UpdateDecision records a routing decision resolved after the request
// started and publishes it when it differs from the current one.
func UpdateDecision(ctx context.Context, decision string) {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok {
		return
	}
	ex.mu.Lock()
	changed := ex.decision != decision
	ex.decision = decision
	ex.mu.Unlock()

	if changed {
		ex.pub.Publish(domain.NewEvent(ex.id, domain.DecisionUpdated{ProxyDecision: decision}))
	}
}

// MarkStatus records the status of an exchange whose response is not written
// through the ResponseWriter, such as a hijacked tunnel.
func MarkStatus(ctx context.Context, code int) {
	if ex, ok := ctx.Value(exchangeKey{}).(*exchange); ok {
		ex.mu.Lock()
		ex.status = code
		ex.mu.Unlock()
	}
}

// MarkError records that the exchange failed. The recorder then publishes
// ErrorOccurred instead of ResponseReceived.
func MarkError(ctx context.Context, kind domain.ErrorKind, err error) {
	if ex, ok := ctx.Value(exchangeKey{}).(*exchange); ok {
		ex.mu.Lock()
		ex.errKind = kind
		ex.err = err
		ex.mu.Unlock()
	}
}

// Recorder is an HTTP middleware publishing RequestStarted and then either
// ResponseReceived or ErrorOccurred for every request it wraps.
type Recorder struct {
	pub        Publisher
	maxPreview int
	decide     func(*http.Request) string
	logger     *slog.Logger
}

// NewRecorder creates a Recorder publishing to pub.
func NewRecorder(pub Publisher, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPreview <= 0 {
		cfg.MaxPreview = DefaultMaxPreview
	}
	if cfg.Decide == nil {
		cfg.Decide = func(*http.Request) string { return "DIRECT" }
	}
	return &Recorder{
		pub:        pub,
		maxPreview: cfg.MaxPreview,
		decide:     cfg.Decide,
		logger:     logger,
	}
}

// Wrap wraps an HTTP handler with exchange recording.
func (m *Recorder) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ex := &exchange{id: id, pub: m.pub, decision: m.decide(r)}
		start := time.Now()

		preview := m.previewBody(r)
		if !m.pub.Publish(domain.NewEvent(id, domain.RequestStarted{
			URL:           requestURL(r),
			Method:        r.Method,
			Host:          r.Host,
			ProxyDecision: ex.decision,
			Headers:       telemetry.RedactHeaders(r.Header),
			Body:          preview,
		})) {
			m.logger.Debug("request event evicted on publish", "request_id", id)
		}

		rw := &captureWriter{ResponseWriter: w, limit: m.maxPreview}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), exchangeKey{}, ex)
		next.ServeHTTP(rw, r.WithContext(ctx))

		ex.mu.Lock()
		status, err, errKind, decision := ex.status, ex.err, ex.errKind, ex.decision
		ex.mu.Unlock()
		if status == 0 {
			status = rw.status
		}
		if status == 0 {
			status = http.StatusOK
		}

		if err != nil {
			m.pub.Publish(domain.NewEvent(id, domain.ErrorOccurred{
				ErrorKind: errKind,
				Message:   err.Error(),
				URL:       requestURL(r),
			}))
		} else {
			m.pub.Publish(domain.NewEvent(id, domain.ResponseReceived{
				StatusCode:    status,
				Headers:       telemetry.RedactHeaders(rw.Header()),
				Body:          rw.preview.Bytes(),
				ContentLength: rw.written,
				Duration:      time.Since(start),
			}))
		}
		telemetry.RecordExchange(trace.SpanFromContext(ctx), id, status, decision)
	})
}

// previewBody reads up to maxPreview bytes of the request body and restores
// the body so the handler still sees all of it.
func (m *Recorder) previewBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(m.maxPreview)))
	if err != nil {
		m.logger.Debug("request body preview failed", "error", err)
	}
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	return buf
}

type replayBody struct {
	io.Reader
	io.Closer
}

func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	if r.Method == http.MethodConnect {
		return r.Host
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// captureWriter records the status, size and a bounded preview of a response.
type captureWriter struct {
	http.ResponseWriter
	limit   int
	status  int
	written int64
	preview bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if room := w.limit - w.preview.Len(); room > 0 {
		w.preview.Write(b[:min(room, len(b))])
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *captureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for CONNECT tunnelling.
func (w *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack: %w", err)
	}
	return conn, rw, nil
}

func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
