package logger

// NullLogger discards everything. Useful in tests.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (NullLogger) Debug(string, ...any) {}
func (NullLogger) Info(string, ...any)  {}
func (NullLogger) Warn(string, ...any)  {}
func (NullLogger) Error(string, ...any) {}
