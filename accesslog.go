package yblocker

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one structured entry per mediated exchange.
// It uses slog.LogAttrs to keep allocations off the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// ExchangeID correlates the entry with pipeline log lines.
	ExchangeID string

	// Method is the HTTP method.
	Method string

	// Host is the target hostname.
	Host string

	// URL is the full request URL.
	URL string

	// StatusCode is the upstream response status code. Zero if blocked or errored.
	StatusCode int

	// Duration is the time to process the exchange.
	Duration time.Duration

	// BytesWritten is the response body size, -1 if unknown.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Blocked is true if the connection was closed by the pipeline.
	Blocked bool

	// Annotated is true if cosmetics were injected into the response.
	Annotated bool

	// Error is a description of any error that occurred.
	Error string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("exchange", e.ExchangeID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("url", e.URL),
		slog.String("client", e.ClientAddr),
	)

	if e.Blocked {
		attrs = append(attrs, slog.String("verdict", "blocked"))
	} else {
		attrs = append(attrs,
			slog.String("verdict", "passed"),
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
		)
		if e.Annotated {
			attrs = append(attrs, slog.Bool("annotated", true))
		}
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
