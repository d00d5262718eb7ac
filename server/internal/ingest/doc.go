// Package ingest feeds metric samples into the threshold monitor.
//
// Sources are Prometheus text exposition endpoints. Each scrape is reduced to
// one point per metric family: counter, gauge and untyped series are summed,
// summaries and histograms contribute their sample sum. Points are named
// <source prefix><family name> and tagged with the source id. HTTPS sources
// add <prefix>tls_cert_days_remaining for the certificate they serve.
//
// Source authentication supports apikey, bearer, basic and mtls; secrets are
// read from the environment variables named in the config.
package ingest
