package apisec

import (
	"context"
	"log/slog"
	"net/url"
	"time"
)

// AccessLogger writes one structured entry per transaction.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single transaction log record.
type AccessLogEntry struct {
	// Timestamp when the request headers were parsed.
	Timestamp time.Time

	// TransactionID of the logged transaction.
	TransactionID uint64

	// Method is the HTTP method.
	Method string

	// Host is the target host.
	Host string

	// Path is the request URL path.
	Path string

	// Scheme is "http" or "https".
	Scheme string

	// StatusCode is the status the client saw. Zero if the transaction failed
	// before a response.
	StatusCode int

	// Duration is the time to process the transaction.
	Duration time.Duration

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Dropped is true if an analyst dropped the request or response.
	Dropped bool

	// Modified is true if an analyst edited the request or response.
	Modified bool

	// WebSocket is true for upgrade handshakes.
	WebSocket bool

	// Error is a description of any error that occurred.
	Error string

	// UserAgent is the client's User-Agent header.
	UserAgent string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// LogTransaction logs a finished transaction.
func (al *AccessLogger) LogTransaction(tx *Transaction) {
	e := AccessLogEntry{
		Timestamp:     tx.Started,
		TransactionID: tx.ID,
		Method:        tx.Method,
		Host:          tx.Host,
		StatusCode:    tx.Status,
		Duration:      tx.Duration(),
		ClientAddr:    tx.ClientAddr,
		Dropped:       tx.Dropped,
		Modified:      tx.Modified,
		WebSocket:     tx.IsWebSocket,
		Error:         tx.Error,
		UserAgent:     tx.RequestHeader.Get("User-Agent"),
	}
	if u, err := url.Parse(tx.URL); err == nil {
		e.Scheme = u.Scheme
		e.Path = u.Path
	}
	al.Log(e)
}

// Log writes an access log entry using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.Uint64("tx", e.TransactionID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.Int("status", e.StatusCode),
		slog.Duration("duration", e.Duration),
	)

	if e.Dropped {
		attrs = append(attrs, slog.Bool("dropped", true))
	}
	if e.Modified {
		attrs = append(attrs, slog.Bool("modified", true))
	}
	if e.WebSocket {
		attrs = append(attrs, slog.Bool("websocket", true))
	}

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "transaction", attrs...)
}
