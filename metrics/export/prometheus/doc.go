// Package prometheus exposes authgate Engine metrics as a Prometheus collector.
//
// [NewCollector] wraps an [authgate.Engine]. Counter names are prefixed
// authgate_ and end in _total; the single histogram is
// authgate_authenticate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register with the global default registry. Callers pick the registry.
//   - Mutate engine state.
package prometheus
