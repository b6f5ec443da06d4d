// Package logging builds the process logger: structured zap output to
// stdout, optionally teed into the OpenTelemetry log pipeline through
// the otelzap bridge.
package logging
