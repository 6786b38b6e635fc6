package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-monitor/pkg/config"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/feed"
	"github.com/polisai/polis-monitor/pkg/logrotate"
	"github.com/polisai/polis-monitor/pkg/memory"
	"github.com/polisai/polis-monitor/pkg/monitor"
)

func fixedSampler(mb float64) memory.Sampler {
	return memory.SamplerFunc(func(context.Context) (domain.MemoryUsage, error) {
		return domain.MemoryUsage{ProcessMB: mb, SampledAt: time.Now()}, nil
	})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ProxyAddress = "127.0.0.1:0"
	cfg.Server.AdminAddress = "localhost:0"
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Queue.PollTimeout = 10 * time.Millisecond
	cfg.Rotation.Directory = t.TempDir()
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithSampler(fixedSampler(50))}, opts...)
	p, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	return p
}

func runPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
	require.Eventually(t, func() bool {
		return p.ProxyAddr() != nil && p.AdminAddr() != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alerts.MinScore = 150
	_, err := New(cfg, nil, WithSampler(fixedSampler(1)))
	assert.Error(t, err)
}

func TestPublishedEventsBecomeEntries(t *testing.T) {
	p := newPipeline(t, testConfig(t))
	runPipeline(t, p)

	require.True(t, p.Publish(domain.NewEvent("req-1", domain.RequestStarted{
		URL:           "http://example.test/a",
		Method:        http.MethodGet,
		Host:          "example.test",
		ProxyDecision: "DIRECT",
	})))
	require.True(t, p.Publish(domain.NewEvent("req-1", domain.ResponseReceived{StatusCode: http.StatusOK})))

	require.Eventually(t, func() bool {
		entries := p.Entries(10)
		return len(entries) == 1 && entries[0].Status == domain.EntryCompleted
	}, 2*time.Second, 5*time.Millisecond)

	entry := p.Entries(1)[0]
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Equal(t, 1, p.Snapshot().Memory.Entries)
}

func TestPublishReportsDroppedEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Capacity = 1
	p := newPipeline(t, cfg)

	assert.True(t, p.Publish(domain.NewEvent("req-1", domain.ResponseReceived{StatusCode: http.StatusOK})))
	assert.False(t, p.Publish(domain.NewEvent("req-2", domain.RequestStarted{URL: "http://example.test/"})))
	assert.True(t, p.Publish(domain.NewEvent("req-3", domain.ErrorOccurred{ErrorKind: domain.ErrorNetwork})))

	stats := p.Snapshot().Queue
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, uint64(2), stats.Evicted)
}

func TestShutdownPersistsQueuedEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rotation.CompressOld = false
	p := newPipeline(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		return p.ProxyAddr() != nil && p.AdminAddr() != nil
	}, 2*time.Second, 5*time.Millisecond)

	const requests = 200
	for i := range requests {
		id := fmt.Sprintf("req-%d", i)
		p.Publish(domain.NewEvent(id, domain.RequestStarted{URL: "http://example.test/" + id, Method: http.MethodGet}))
		p.Publish(domain.NewEvent(id, domain.ResponseReceived{StatusCode: http.StatusOK}))
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	records, err := logrotate.LoadSegment(p.rotator.Stats().ActivePath)
	require.NoError(t, err)
	assert.Len(t, records, requests)
	assert.Zero(t, p.rotator.Stats().Dropped)
}

func TestAdminEndpoints(t *testing.T) {
	p := newPipeline(t, testConfig(t))
	_, err := p.memory.CheckPressure(context.Background())
	require.NoError(t, err)
	srv := httptest.NewServer(p.AdminHandler())
	defer srv.Close()

	get := func(path string) (*http.Response, []byte) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	resp, body := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])

	resp, body = get("/snapshot")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap domain.PerformanceSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.InDelta(t, 97.0, snap.Score, 0.001)

	resp, body = get("/entries")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, body = get("/entries?limit=many")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var apiErr domain.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &apiErr))
	assert.Equal(t, "INVALID_LIMIT", apiErr.Code)

	resp, _ = get("/optimize")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	post, err := http.Post(srv.URL+"/optimize", "application/json", nil)
	require.NoError(t, err)
	var result monitor.OptimizationResult
	require.NoError(t, json.NewDecoder(post.Body).Decode(&result))
	_ = post.Body.Close()
	assert.Equal(t, http.StatusOK, post.StatusCode)
	assert.Equal(t, "manual", result.Trigger)

	resp, body = get("/report")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report monitor.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Len(t, report.Optimizations, 1)

	resp, body = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "monitor_queue_depth")
	assert.Contains(t, string(body), "monitor_optimizations_total")
}

func TestReload(t *testing.T) {
	p := newPipeline(t, testConfig(t))

	next := testConfig(t)
	next.Alerts.MinScore = 90
	next.Memory.MaxEntries = 5
	require.NoError(t, p.Reload(next))
	assert.Equal(t, 90.0, p.monitor.Thresholds().MinScore)
	assert.Same(t, next, p.Config())
	assert.Equal(t, 5, p.Snapshot().Memory.MaxEntries)

	bad := testConfig(t)
	bad.Throttle.Mode = "bogus"
	assert.Error(t, p.Reload(bad))
	assert.Same(t, next, p.Config())
}

func TestRunFailsWhenAdminAddressIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := testConfig(t)
	cfg.Server.AdminAddress = ln.Addr().String()
	p := newPipeline(t, cfg)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "bind admin listener")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not fail")
	}
}

func TestProxiedTrafficReachesFeed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	p := newPipeline(t, testConfig(t))
	runPipeline(t, p)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+p.AdminAddr().String()+"/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	proxyURL, err := url.Parse("http://" + p.ProxyAddr().String())
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	resp, err := client.Get(upstream.URL + "/hello")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != feed.TypeEntry {
			continue
		}
		var entry domain.MonitoringEntry
		require.NoError(t, json.Unmarshal(msg.Data, &entry))
		if entry.Status != domain.EntryCompleted {
			continue
		}
		assert.Equal(t, upstream.URL+"/hello", entry.URL)
		assert.Equal(t, "hello", string(entry.ResponseBody))
		break
	}
}

func TestConfigWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.yaml")
	write := func(minScore int) {
		doc := fmt.Sprintf(strings.Join([]string{
			"server:",
			"  proxy_address: 127.0.0.1:0",
			"  admin_address: localhost:0",
			"rotation:",
			"  directory: %s",
			"alerts:",
			"  min_score: %d",
			"",
		}, "\n"), filepath.Join(dir, "logs"), minScore)
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write(60)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	p := newPipeline(t, cfg, WithConfigWatch(path))
	runPipeline(t, p)

	write(75)
	assert.Eventually(t, func() bool {
		return p.Config().Alerts.MinScore == 75 && p.monitor.Thresholds().MinScore == 75
	}, 5*time.Second, 20*time.Millisecond)
}
