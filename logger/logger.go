// Package logger defines the leveled, structured logging contract
// shared by the payment engine's components. The default is the silent
// NoopLogger; deployments that want output plug in the zap-backed
// implementation through the engine's options.
package logger

// Logger is the minimal surface the engine writes to. Fields carry
// structured context such as payment ids, networks, and amounts.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}
