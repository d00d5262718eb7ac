// Package config loads the alertcore configuration file.
//
// Sections:
//   - server     HTTP port, log level and API-key auth (key resolved from key_env)
//   - engine     history sizes and incident retention
//   - sources    Prometheus scrape targets with apikey/bearer/basic/mtls auth
//   - nats       optional event sink (empty url disables it)
//   - webhooks   named delivery targets; URLs are resolved from url_env
//   - rules, thresholds, policies, schedules   engine definitions
//
// Load(path) applies defaults before unmarshalling, then validates every
// section including the engine definitions. Watch watches the file's
// directory, debounces bursts of events, skips unchanged content and never
// hands a config that does not validate to its apply func.
package config
