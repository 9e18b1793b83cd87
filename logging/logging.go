// Package logging defines pipeshard's structured logging contract,
// shaped after the teacher's context.Logger interface, and a
// go.uber.org/zap-backed implementation.
package logging

import "go.uber.org/zap"

// Logger provides structured logging with loosely-typed key/value field
// pairs, matching the ambient interface the rest of the stack expects.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})

	// With returns a Logger that prepends fields to every subsequent
	// call, for attaching stable context such as stage_idx or
	// request_id to a scoped logger.
	With(fields ...interface{}) Logger
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap wraps a *zap.Logger.
func NewZap(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

// NewProduction builds a Logger using zap's production defaults (JSON,
// info level, sampling).
func NewProduction() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

// NewDevelopment builds a Logger using zap's development defaults
// (console-friendly, debug level, stack traces on warn+).
func NewDevelopment() (Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) { z.s.Debugw(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...interface{})  { z.s.Infow(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...interface{})  { z.s.Warnw(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...interface{}) { z.s.Errorw(msg, fields...) }
func (z *zapLogger) Fatal(msg string, fields ...interface{}) { z.s.Fatalw(msg, fields...) }

func (z *zapLogger) With(fields ...interface{}) Logger {
	return &zapLogger{s: z.s.With(fields...)}
}

// Nop discards all log output; used in tests.
func Nop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }
