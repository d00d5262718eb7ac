package ingest

import (
	"fmt"
	"io"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// Parse decodes a Prometheus text exposition from r into one point per
// metric family, stamped with now. Families are returned sorted by name.
//
// A partial parse (trailing garbage after valid families) still succeeds.
func Parse(r io.Reader, now time.Time) ([]threshold.MetricPoint, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}

	names := make([]string, 0, len(mfs))
	for name := range mfs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]threshold.MetricPoint, 0, len(names))
	for _, name := range names {
		mf := mfs[name]
		if len(mf.GetMetric()) == 0 {
			continue
		}
		out = append(out, threshold.MetricPoint{
			Metric:    name,
			Value:     sumFamily(mf),
			Timestamp: now,
			Tags:      map[string]string{"type": mf.GetType().String()},
		})
	}
	return out, nil
}

// sumFamily adds up the values of every series in mf. Summaries and
// histograms contribute their sample sum.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		case m.Summary != nil:
			total += m.Summary.GetSampleSum()
		case m.Histogram != nil:
			total += m.Histogram.GetSampleSum()
		}
	}
	return total
}
