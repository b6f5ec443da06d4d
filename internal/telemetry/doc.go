// Package telemetry provides OpenTelemetry instrumentation for
// crucible: OTLP trace and metric export with graceful degradation
// when the collector is unavailable.
package telemetry
