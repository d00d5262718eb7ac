package ingest

import (
	"crypto/tls"
	"time"

	"github.com/obsidianstack/alertcore/server/internal/threshold"
)

// CertMetric is the name, before the source prefix, of the point recording
// the days left on an HTTPS source's leaf certificate. Negative values mean
// the certificate has expired; a threshold such as
// "<prefix>tls_cert_days_remaining LESS_THAN 30" alerts before that happens.
const CertMetric = "tls_cert_days_remaining"

// certPoint derives the CertMetric point from the TLS state of a scrape
// response. It reports false for plain-HTTP responses.
func certPoint(state *tls.ConnectionState, now time.Time) (threshold.MetricPoint, bool) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return threshold.MetricPoint{}, false
	}
	leaf := state.PeerCertificates[0]
	return threshold.MetricPoint{
		Metric:    CertMetric,
		Value:     leaf.NotAfter.Sub(now).Hours() / 24,
		Timestamp: now,
		Tags: map[string]string{
			"type":      "gauge",
			"issuer":    leaf.Issuer.CommonName,
			"not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
		},
	}, true
}
