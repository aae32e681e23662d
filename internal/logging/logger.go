// Package logging adapts the teacher's narrow Logger interface
// (pkg/orchestrator.Logger in the teacher repo) to a zap-backed production
// implementation, keeping the NoOpLogger for tests and for callers that
// don't care about observability.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the narrow interface every bridge component logs through.
// Matches the teacher's orchestrator.Logger shape exactly so call sites
// read identically whether backed by zap, a test recorder, or nothing.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

// NoOpLogger discards everything. Used by tests and as the zero value.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, kv ...interface{}) {}
func (NoOpLogger) Info(msg string, kv ...interface{})  {}
func (NoOpLogger) Warn(msg string, kv ...interface{})  {}
func (NoOpLogger) Error(msg string, kv ...interface{}) {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap builds a production JSON logger at info level.
func NewZap() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: z.Sugar()}, nil
}

// NewZapDevelopment builds a human-readable console logger, useful for the
// voicedemo CLI harness.
func NewZapDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: z.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
