package observability

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger creates a configured logrus logger. Format is "json" or "text";
// a nil output defaults to stdout.
func NewLogger(level logrus.Level, format string, output io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)

	if output == nil {
		output = os.Stdout
	}
	logger.SetOutput(output)

	switch format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// WithTraceContext enriches a log entry with the active span identifiers so
// log lines can be correlated with traces.
func WithTraceContext(ctx context.Context, logger logrus.FieldLogger) logrus.FieldLogger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return logger
	}

	spanCtx := span.SpanContext()
	return logger.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
