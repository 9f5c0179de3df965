package logger

// Logger is the minimal structured logging surface used across the engine.
// Key/value pairs follow the slog convention: alternating keys and values.
// Implementations must be safe for concurrent use.
type Logger interface {
	Error(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}
