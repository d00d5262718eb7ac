package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

const exposition = `
# HELP http_requests_total Total HTTP requests.
# TYPE http_requests_total counter
http_requests_total{code="200"} 1200
http_requests_total{code="500"} 34

# HELP node_cpu_utilisation CPU utilisation in percent.
# TYPE node_cpu_utilisation gauge
node_cpu_utilisation{cpu="0"} 40
node_cpu_utilisation{cpu="1"} 52.5

# HELP rpc_duration_seconds RPC latency.
# TYPE rpc_duration_seconds summary
rpc_duration_seconds{quantile="0.5"} 0.01
rpc_duration_seconds_sum 17.5
rpc_duration_seconds_count 2000

queue_depth 7
`

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func byMetric(points []threshold.MetricPoint) map[string]threshold.MetricPoint {
	out := make(map[string]threshold.MetricPoint, len(points))
	for _, p := range points {
		out[p.Metric] = p
	}
	return out
}

func TestParse(t *testing.T) {
	points, err := Parse(strings.NewReader(exposition), now)
	require.NoError(t, err)

	got := byMetric(points)
	require.Len(t, got, 4)
	assert.Equal(t, 1234.0, got["http_requests_total"].Value)
	assert.Equal(t, 92.5, got["node_cpu_utilisation"].Value)
	assert.Equal(t, 17.5, got["rpc_duration_seconds"].Value)
	assert.Equal(t, 7.0, got["queue_depth"].Value)
	assert.Equal(t, "COUNTER", got["http_requests_total"].Tags["type"])
	assert.Equal(t, now, got["queue_depth"].Timestamp)

	assert.Equal(t, "http_requests_total", points[0].Metric, "sorted by name")
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse(strings.NewReader("not { valid"), now)
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	points, err := Parse(strings.NewReader(""), now)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func newScraper(t *testing.T, src config.Source) *Scraper {
	t.Helper()
	s, err := New(src)
	require.NoError(t, err)
	s.clock = clock.NewFake(now)
	return s
}

func TestScrape_PrefixAndSourceTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	s := newScraper(t, config.Source{ID: "node", Endpoint: srv.URL, Prefix: "edge_"})
	points, err := s.Scrape(context.Background())
	require.NoError(t, err)

	got := byMetric(points)
	p, ok := got["edge_queue_depth"]
	require.True(t, ok)
	assert.Equal(t, "node", p.Tags["source"])
	assert.Equal(t, now, p.Timestamp)
}

func TestScrape_TLSCertDaysRemaining(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("queue_depth 3\n"))
	}))
	defer srv.Close()

	s := newScraper(t, config.Source{
		ID:       "edge",
		Endpoint: srv.URL,
		Prefix:   "edge_",
		TLS:      config.TLSConfig{InsecureSkipVerify: true},
	})
	points, err := s.Scrape(context.Background())
	require.NoError(t, err)

	p, ok := byMetric(points)["edge_"+CertMetric]
	require.True(t, ok)
	leaf := srv.Certificate()
	assert.InDelta(t, leaf.NotAfter.Sub(now).Hours()/24, p.Value, 1e-9)
	assert.Equal(t, "edge", p.Tags["source"])
	assert.Equal(t, leaf.NotAfter.UTC().Format(time.RFC3339), p.Tags["not_after"])
}

func TestScrape_PlainHTTPHasNoCertPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("queue_depth 3\n"))
	}))
	defer srv.Close()

	points, err := newScraper(t, config.Source{ID: "edge", Endpoint: srv.URL}).Scrape(context.Background())
	require.NoError(t, err)
	_, ok := byMetric(points)[CertMetric]
	assert.False(t, ok)
}

func TestScrape_Auth(t *testing.T) {
	t.Setenv("INGEST_TEST_KEY", "k-123")
	t.Setenv("INGEST_TEST_TOKEN", "t-456")
	t.Setenv("INGEST_TEST_PASS", "hunter2")

	tests := []struct {
		name  string
		auth  config.AuthConfig
		check func(t *testing.T, r *http.Request)
	}{
		{
			name: "apikey",
			auth: config.AuthConfig{Mode: "apikey", Header: "X-Scrape-Key", KeyEnv: "INGEST_TEST_KEY"},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "k-123", r.Header.Get("X-Scrape-Key"))
			},
		},
		{
			name: "bearer",
			auth: config.AuthConfig{Mode: "bearer", TokenEnv: "INGEST_TEST_TOKEN"},
			check: func(t *testing.T, r *http.Request) {
				assert.Equal(t, "Bearer t-456", r.Header.Get("Authorization"))
			},
		},
		{
			name: "basic",
			auth: config.AuthConfig{Mode: "basic", Username: "prom", PasswordEnv: "INGEST_TEST_PASS"},
			check: func(t *testing.T, r *http.Request) {
				u, p, ok := r.BasicAuth()
				assert.True(t, ok)
				assert.Equal(t, "prom", u)
				assert.Equal(t, "hunter2", p)
			},
		},
		{
			name: "none",
			auth: config.AuthConfig{},
			check: func(t *testing.T, r *http.Request) {
				assert.Empty(t, r.Header.Get("Authorization"))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tc.check(t, r)
				_, _ = w.Write([]byte("up 1\n"))
			}))
			defer srv.Close()

			s := newScraper(t, config.Source{ID: tc.name, Endpoint: srv.URL, Auth: tc.auth})
			_, err := s.Scrape(context.Background())
			require.NoError(t, err)
		})
	}
}

func TestScrape_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newScraper(t, config.Source{ID: "down", Endpoint: srv.URL})
	_, err := s.Scrape(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNew_MTLSMissingCert(t *testing.T) {
	_, err := New(config.Source{ID: "x", Endpoint: "https://x", Auth: config.AuthConfig{
		Mode: "mtls", CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem",
	}})
	assert.Error(t, err)
}

type recordingSink struct {
	mu     sync.Mutex
	points []threshold.MetricPoint
}

func (r *recordingSink) RecordMetric(p threshold.MetricPoint) {
	r.mu.Lock()
	r.points = append(r.points, p)
	r.mu.Unlock()
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

func TestRun_FeedsSinkUntilCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	s := newScraper(t, config.Source{ID: "fast", Endpoint: srv.URL, Interval: 10 * time.Millisecond})
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, sink)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.len() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_DrivesThresholdMonitor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("node_cpu_utilisation 97\n"))
	}))
	defer srv.Close()

	mon := threshold.NewMonitor(nil)
	require.NoError(t, mon.AddThreshold(threshold.Threshold{
		ID: "cpu", Metric: "node_cpu_utilisation", Operator: "GREATER_THAN", Value: 90,
	}))

	s := newScraper(t, config.Source{ID: "node", Endpoint: srv.URL})
	s.scrapeOnce(context.Background(), mon)

	b, ok := mon.Breach("cpu")
	require.True(t, ok)
	assert.Equal(t, 97.0, b.CurrentValue)
}
