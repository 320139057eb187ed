package client

import "log/slog"

// NopLogger returns a logger that discards all records. Components use it
// when no logger is configured.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// LoggerOrNop returns l, or a discarding logger when l is nil.
func LoggerOrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}
