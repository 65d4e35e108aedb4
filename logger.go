package precursors

import "log/slog"

// Logger receives the library's diagnostics as a message plus alternating
// key-value pairs. *slog.Logger satisfies it; internal/logging adapts
// zerolog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}
