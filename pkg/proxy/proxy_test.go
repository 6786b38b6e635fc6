package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/domain"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(ev domain.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *capturePublisher) snapshot() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

func (p *capturePublisher) kinds() []domain.EventKind {
	var out []domain.EventKind
	for _, ev := range p.snapshot() {
		out = append(out, ev.Kind())
	}
	return out
}

func newProxy(t *testing.T, cfg ServerConfig, pub Publisher) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(cfg, pub, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func proxiedClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		Timeout:   5 * time.Second,
	}
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func TestForwardRecordsExchange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=abcdefghijkl")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer upstream.Close()

	pub := &capturePublisher{}
	_, ts := newProxy(t, ServerConfig{}, pub)

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/items?id=7", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token-1234")

	resp, err := proxiedClient(t, ts.URL).Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "created", string(body))
	requestID := resp.Header.Get(RequestIDHeader)
	require.NotEmpty(t, requestID)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := pub.snapshot()

	started, ok := events[0].Payload.(domain.RequestStarted)
	require.True(t, ok)
	assert.Equal(t, requestID, events[0].RequestID)
	assert.Equal(t, upstream.URL+"/items?id=7", started.URL)
	assert.Equal(t, http.MethodGet, started.Method)
	assert.Equal(t, "DIRECT", started.ProxyDecision)
	assert.Equal(t, "Bear***1234", started.Headers["Authorization"])

	received, ok := events[1].Payload.(domain.ResponseReceived)
	require.True(t, ok)
	assert.Equal(t, requestID, events[1].RequestID)
	assert.Equal(t, http.StatusCreated, received.StatusCode)
	assert.Equal(t, "created", string(received.Body))
	assert.Equal(t, int64(7), received.ContentLength)
	assert.Equal(t, "sess***ijkl", received.Headers["Set-Cookie"])
}

func TestRequestBodyPreviewIsBounded(t *testing.T) {
	var seen []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	pub := &capturePublisher{}
	_, ts := newProxy(t, ServerConfig{MaxPreview: 16}, pub)

	payload := strings.Repeat("x", 100)
	resp, err := proxiedClient(t, ts.URL).Post(upstream.URL, "text/plain", strings.NewReader(payload))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, payload, string(seen))
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	started := pub.snapshot()[0].Payload.(domain.RequestStarted)
	assert.Equal(t, strings.Repeat("x", 16), string(started.Body))
}

func TestUnreachableUpstreamPublishesError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	pub := &capturePublisher{}
	_, ts := newProxy(t, ServerConfig{}, pub)

	resp, err := proxiedClient(t, ts.URL).Get(deadURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	failed, ok := pub.snapshot()[1].Payload.(domain.ErrorOccurred)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorNetwork, failed.ErrorKind)
	assert.Equal(t, deadURL+"/", failed.URL)
	assert.NotEmpty(t, failed.Message)
}

func TestRelativeTargetRejected(t *testing.T) {
	pub := &capturePublisher{}
	_, ts := newProxy(t, ServerConfig{}, pub)

	resp, err := http.Get(ts.URL + "/direct")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	failed := pub.snapshot()[1].Payload.(domain.ErrorOccurred)
	assert.Equal(t, domain.ErrorConfig, failed.ErrorKind)
}

func connect(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return conn, br
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, msg string) {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestConnectTunnelIsTrackedAndRecorded(t *testing.T) {
	echo := echoServer(t)
	tracker := cleaner.New(cleaner.Config{}, nil)
	pub := &capturePublisher{}
	srv, ts := newProxy(t, ServerConfig{}, pub)
	srv.Forwarder().SetTracker(tracker)

	conn, br := connect(t, ts.Listener.Addr().String(), echo.Addr().String())
	roundTrip(t, conn, br, "hello tunnel")

	assert.Equal(t, map[cleaner.Kind]int{cleaner.KindConnection: 1}, tracker.Summary())
	assert.Equal(t, 1, srv.Forwarder().ActiveConnections())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return tracker.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	events := pub.snapshot()
	started := events[0].Payload.(domain.RequestStarted)
	assert.Equal(t, http.MethodConnect, started.Method)
	assert.Equal(t, echo.Addr().String(), started.URL)
	received := events[1].Payload.(domain.ResponseReceived)
	assert.Equal(t, http.StatusOK, received.StatusCode)
	assert.Equal(t, 0, srv.Forwarder().ActiveConnections())
}

func TestStaleTunnelReclaimed(t *testing.T) {
	echo := echoServer(t)
	tracker := cleaner.New(cleaner.Config{}, nil)
	srv, ts := newProxy(t, ServerConfig{}, &capturePublisher{})
	srv.Forwarder().SetTracker(tracker)

	conn, br := connect(t, ts.Listener.Addr().String(), echo.Addr().String())
	roundTrip(t, conn, br, "ping")

	result := tracker.CleanupByType(cleaner.KindConnection)
	assert.Equal(t, 1, result.Reclaimed)

	_, err := br.ReadByte()
	assert.Error(t, err)
}

func TestTunnelsBeyondResourceLimitStayOpen(t *testing.T) {
	echo := echoServer(t)
	tracker := cleaner.New(cleaner.Config{MaxResources: 2}, nil)
	srv, ts := newProxy(t, ServerConfig{}, &capturePublisher{})
	srv.Forwarder().SetTracker(tracker)

	type tunnel struct {
		conn net.Conn
		br   *bufio.Reader
	}
	var tunnels []tunnel
	for i := range 3 {
		conn, br := connect(t, ts.Listener.Addr().String(), echo.Addr().String())
		roundTrip(t, conn, br, fmt.Sprintf("open %d", i))
		tunnels = append(tunnels, tunnel{conn: conn, br: br})
	}

	for i, tn := range tunnels {
		roundTrip(t, tn.conn, tn.br, fmt.Sprintf("still open %d", i))
	}
	assert.Equal(t, 3, srv.Forwarder().ActiveConnections())
	assert.Equal(t, 2, tracker.Len())

	stats := tracker.Stats()
	assert.Zero(t, stats.Reclaimed)
	assert.Equal(t, uint64(1), stats.Untracked)
}

func TestConnectThroughUpstreamProxy(t *testing.T) {
	echo := echoServer(t)
	_, parent := newProxy(t, ServerConfig{}, &capturePublisher{})

	pub := &capturePublisher{}
	parentAddr := parent.Listener.Addr().String()
	_, child := newProxy(t, ServerConfig{UpstreamProxy: parentAddr}, pub)

	conn, br := connect(t, child.Listener.Addr().String(), echo.Addr().String())
	roundTrip(t, conn, br, "chained")

	started := pub.snapshot()[0].Payload.(domain.RequestStarted)
	assert.Equal(t, "PROXY "+parentAddr, started.ProxyDecision)
}

func TestConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	require.NoError(t, ln.Close())

	pub := &capturePublisher{}
	_, ts := newProxy(t, ServerConfig{}, pub)

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	failed := pub.snapshot()[1].Payload.(domain.ErrorOccurred)
	assert.Equal(t, domain.ErrorNetwork, failed.ErrorKind)
}

func TestUpdateDecisionPublishesOnlyChanges(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(pub, RecorderConfig{}, nil)
	handler := rec.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		UpdateDecision(r.Context(), "DIRECT")
		UpdateDecision(r.Context(), "PROXY cache:3128")
		UpdateDecision(r.Context(), "PROXY cache:3128")
		w.WriteHeader(http.StatusAccepted)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	assert.Equal(t, []domain.EventKind{
		domain.KindRequestStarted,
		domain.KindDecisionUpdated,
		domain.KindResponseReceived,
	}, pub.kinds())
	update := pub.snapshot()[1].Payload.(domain.DecisionUpdated)
	assert.Equal(t, "PROXY cache:3128", update.ProxyDecision)
}

func TestExchangeHelpersIgnoreForeignContext(t *testing.T) {
	ctx := context.Background()
	UpdateDecision(ctx, "DIRECT")
	MarkStatus(ctx, http.StatusOK)
	MarkError(ctx, domain.ErrorNetwork, errors.New("boom"))
	_, ok := RequestID(ctx)
	assert.False(t, ok)
}

func TestServerRunPublishesStatus(t *testing.T) {
	pub := &capturePublisher{}
	srv, err := NewServer(ServerConfig{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, pub, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := pub.snapshot()
	require.Len(t, events, 2)
	up := events[0].Payload.(domain.StatusChanged)
	down := events[1].Payload.(domain.StatusChanged)
	assert.True(t, up.Running)
	assert.False(t, down.Running)
	assert.Equal(t, "proxy", up.Source)
	assert.Equal(t, "direct", up.Mode)
	assert.Positive(t, up.Port)
	assert.Equal(t, srv.Addr().String(), up.ListenAddress)
	assert.Empty(t, events[0].RequestID)
}

func TestServerRunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	srv, err := NewServer(ServerConfig{Address: ln.Addr().String()}, &capturePublisher{}, nil)
	require.NoError(t, err)
	assert.Error(t, srv.Run(context.Background()))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, domain.ErrorTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, domain.ErrorTimeout, classify(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.Equal(t, domain.ErrorNetwork, classify(errors.New("connection refused")))
}
