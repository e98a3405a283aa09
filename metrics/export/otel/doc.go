// Package otel publishes authgate Engine metrics through an OpenTelemetry Meter.
//
// [NewExporter] registers one Int64ObservableCounter per Engine counter and one
// Int64ObservableGauge per latency bucket. A single callback reads
// [authgate.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
