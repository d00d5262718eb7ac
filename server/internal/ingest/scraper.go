package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/alertcore/server/internal/clock"
	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// Sink receives scraped points. threshold.Monitor satisfies it.
type Sink interface {
	RecordMetric(p threshold.MetricPoint)
}

// Scraper polls one Prometheus text endpoint. It builds the HTTP client once
// and reuses it across scrapes.
type Scraper struct {
	src    config.Source
	client *http.Client
	clock  clock.Clock
}

// New returns a Scraper for src.
func New(src config.Source) (*Scraper, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("ingest %q: build http client: %w", src.ID, err)
	}
	return &Scraper{src: src, client: client, clock: clock.Real()}, nil
}

// ID returns the source id.
func (s *Scraper) ID() string { return s.src.ID }

// Scrape fetches the endpoint once and returns its points, each metric name
// carrying the source prefix and a "source" tag. HTTPS sources also yield a
// CertMetric point for the served certificate.
func (s *Scraper) Scrape(ctx context.Context) ([]threshold.MetricPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.src.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest %q: build request: %w", s.src.ID, err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest %q: http get: %w", s.src.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest %q: unexpected status %d", s.src.ID, resp.StatusCode)
	}

	now := s.clock.Now()
	points, err := Parse(resp.Body, now)
	if err != nil {
		return nil, fmt.Errorf("ingest %q: %w", s.src.ID, err)
	}
	if p, ok := certPoint(resp.TLS, now); ok {
		points = append(points, p)
	}
	for i := range points {
		points[i].Metric = s.src.Prefix + points[i].Metric
		points[i].Tags["source"] = s.src.ID
	}
	return points, nil
}

// Run scrapes immediately and then on every source interval, handing each
// point to sink. A failed scrape is logged and retried on the next tick.
// Run blocks until ctx is cancelled.
func (s *Scraper) Run(ctx context.Context, sink Sink) {
	interval := s.src.Interval
	if interval <= 0 {
		interval = config.DefaultScrapeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("ingest: scraping source", "source", s.src.ID, "endpoint", s.src.Endpoint, "interval", interval)
	for {
		s.scrapeOnce(ctx, sink)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context, sink Sink) {
	points, err := s.Scrape(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("ingest: scrape failed", "source", s.src.ID, "err", err)
		}
		return
	}
	for _, p := range points {
		sink.RecordMetric(p)
	}
	slog.Debug("ingest: scrape complete", "source", s.src.ID, "points", len(points))
}
