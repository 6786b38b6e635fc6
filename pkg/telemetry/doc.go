// Package telemetry wires Prometheus metrics, OpenTelemetry meters, and the
// OTLP trace exporter for the monitoring pipeline.
//
// Metrics is the Prometheus surface scraped from the admin server. The OTel
// instruments describe drain cycles and optimization passes so operators can
// correlate backpressure with proxy load.
package telemetry
