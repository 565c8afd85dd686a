package kmsg

import "go.uber.org/zap"

// Logger provides printf-style debug logging hooks for the substrate.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Errorw(string, ...any) {}

// ZapLogger adapts a zap.SugaredLogger to both logging interfaces.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps the supplied logger; a nil logger yields a no-op
// adapter.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{s: l.Sugar()}
}

// Debugf implements Logger.
func (z *ZapLogger) Debugf(format string, args ...any) {
	z.s.Debugf(format, args...)
}

// Debugw implements StructuredLogger.
func (z *ZapLogger) Debugw(msg string, keyvals ...any) {
	z.s.Debugw(msg, keyvals...)
}

// Errorw implements StructuredLogger.
func (z *ZapLogger) Errorw(msg string, keyvals ...any) {
	z.s.Errorw(msg, keyvals...)
}
