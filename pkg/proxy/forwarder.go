package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/domain"
)

// DefaultDialTimeout bounds upstream connection setup.
const DefaultDialTimeout = 30 * time.Second

// ConnectionTracker tracks live tunnels. *cleaner.Cleaner implements it.
type ConnectionTracker interface {
	Register(id string, kind cleaner.Kind, handle any, reclaim cleaner.ReclaimFunc) error
	Touch(id string) bool
	Release(id string) bool
}

// ForwarderConfig configures the Forwarder.
type ForwarderConfig struct {
	// UpstreamProxy, when set, routes all traffic through host:port.
	UpstreamProxy string
	DialTimeout   time.Duration
	// DialRetry retries failed tunnel dials. The zero value disables retries.
	DialRetry governance.RetryConfig
	Transport http.RoundTripper
}

// Forwarder is a forward HTTP proxy. Plain requests go through a reverse
// proxy; CONNECT requests are tunnelled over a hijacked connection.
type Forwarder struct {
	upstream    string
	dialTimeout time.Duration
	retry       *governance.RetryPolicy
	proxy       *httputil.ReverseProxy
	tracker     ConnectionTracker
	tracer      trace.Tracer
	logger      *slog.Logger

	active  atomic.Int64
	total   atomic.Int64
	tunnels atomic.Int64
}

// NewForwarder creates a Forwarder.
func NewForwarder(cfg ForwarderConfig, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	f := &Forwarder{
		upstream:    cfg.UpstreamProxy,
		dialTimeout: cfg.DialTimeout,
		retry:       governance.NewRetryPolicy(cfg.DialRetry, retryableDial),
		tracer:      otel.Tracer("github.com/polisai/polis-monitor/pkg/proxy"),
		logger:      logger,
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext
		t.Proxy = nil
		if cfg.UpstreamProxy != "" {
			upstreamURL, err := url.Parse("http://" + cfg.UpstreamProxy)
			if err != nil {
				return nil, fmt.Errorf("parse upstream proxy %q: %w", cfg.UpstreamProxy, err)
			}
			t.Proxy = http.ProxyURL(upstreamURL)
		}
		transport = t
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = pr.In.URL
			pr.Out.Host = pr.In.Host
			pr.Out.RequestURI = ""
		},
		Transport:    transport,
		ErrorHandler: f.proxyError,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	return f, nil
}

// SetTracker registers every CONNECT tunnel with t. Call before serving.
func (f *Forwarder) SetTracker(t ConnectionTracker) {
	f.tracker = t
}

// Decide returns the routing decision for requests through this forwarder.
func (f *Forwarder) Decide(*http.Request) string {
	if f.upstream == "" {
		return "DIRECT"
	}
	return "PROXY " + f.upstream
}

// Mode names the routing mode for status reports.
func (f *Forwarder) Mode() string {
	if f.upstream == "" {
		return "direct"
	}
	return "upstream"
}

// ActiveConnections returns the number of in-flight requests and tunnels.
func (f *Forwarder) ActiveConnections() int {
	return int(f.active.Load())
}

// TotalRequests returns the number of requests served.
func (f *Forwarder) TotalRequests() int64 {
	return f.total.Load()
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.total.Add(1)
	f.active.Add(1)
	defer f.active.Add(-1)

	if r.Method == http.MethodConnect {
		f.tunnel(w, r)
		return
	}
	if !r.URL.IsAbs() {
		MarkError(r.Context(), domain.ErrorConfig, ErrNotAbsolute)
		http.Error(w, "proxy requests must use an absolute URL", http.StatusBadRequest)
		return
	}
	UpdateDecision(r.Context(), f.Decide(r))
	f.proxy.ServeHTTP(w, r)
}

func (f *Forwarder) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	kind := classify(err)
	f.logger.Warn("upstream request failed",
		"url", r.URL.String(),
		"error_kind", kind,
		"error", err,
	)
	MarkError(r.Context(), kind, err)
	w.WriteHeader(http.StatusBadGateway)
}

// tunnel serves a CONNECT request by splicing the client connection to the
// target, optionally through the upstream proxy.
func (f *Forwarder) tunnel(w http.ResponseWriter, r *http.Request) {
	ctx, span := f.tracer.Start(r.Context(), "proxy.connect",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("server.address", r.Host)),
	)
	defer span.End()

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	UpdateDecision(ctx, f.Decide(r))

	var upstream net.Conn
	err := f.retry.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			f.logger.Debug("retrying tunnel dial", "target", target, "attempt", attempt)
		}
		conn, err := f.dialTarget(ctx, target)
		if err != nil {
			return err
		}
		upstream = conn
		return nil
	})
	if err != nil {
		kind := classify(err)
		f.logger.Warn("tunnel dial failed", "target", target, "error_kind", kind, "error", err)
		MarkError(ctx, kind, err)
		span.RecordError(err)
		http.Error(w, "tunnel dial failed", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		MarkError(ctx, domain.ErrorConfig, ErrHijackUnsupported)
		http.Error(w, "tunnelling unsupported", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		MarkError(ctx, domain.ErrorNetwork, err)
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		MarkError(ctx, domain.ErrorNetwork, err)
		return
	}
	MarkStatus(ctx, http.StatusOK)

	id := fmt.Sprintf("tunnel-%d", f.tunnels.Add(1))
	if rid, ok := RequestID(ctx); ok {
		id = "tunnel-" + rid
	}
	var closeOnce sync.Once
	closeBoth := func() error {
		var err error
		closeOnce.Do(func() {
			err = errors.Join(client.Close(), upstream.Close())
		})
		return err
	}
	if f.tracker != nil {
		if err := f.tracker.Register(id, cleaner.KindConnection, client, closeBoth); err != nil {
			f.logger.Warn("tunnel not tracked", "tunnel", id, "error", err)
		}
		defer f.tracker.Release(id)
	}

	f.logger.Debug("tunnel established", "tunnel", id, "target", target)
	var clientReader io.Reader = client
	if buffered != nil && buffered.Reader.Buffered() > 0 {
		clientReader = io.MultiReader(buffered.Reader, client)
	}

	done := make(chan struct{})
	go func() {
		f.pipe(id, upstream, clientReader)
		_ = closeWrite(upstream)
		close(done)
	}()
	f.pipe(id, client, upstream)
	_ = closeWrite(client)
	<-done
	_ = closeBoth()
}

// pipe copies src to dst, touching the tunnel's tracking record as data flows.
func (f *Forwarder) pipe(id string, dst io.Writer, src io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if f.tracker != nil {
				f.tracker.Touch(id)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func closeWrite(c any) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// dialTarget opens a connection to target, through the upstream proxy when
// one is configured.
func (f *Forwarder) dialTarget(ctx context.Context, target string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: f.dialTimeout}
	if f.upstream == "" {
		return dialer.DialContext(ctx, "tcp", target)
	}

	conn, err := dialer.DialContext(ctx, "tcp", f.upstream)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(f.dialTimeout))

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write upstream CONNECT: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read upstream CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUpstreamRefused, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// retryableDial reports whether a failed dial is worth repeating.
func retryableDial(err error) bool {
	if errors.Is(err, ErrUpstreamRefused) || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

// classify maps a transport error to an event error kind.
func classify(err error) domain.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorTimeout
	}
	return domain.ErrorNetwork
}
