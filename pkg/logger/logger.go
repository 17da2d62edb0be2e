// Package logger provides a process-wide structured logger used by every
// background loop and HTTP handler in the gateway.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	l, _ := zap.NewProduction()
	singleton.Store(l.Sugar())
}

// Initialize replaces the singleton with a logger configured for debug or
// production use. Call once at process startup, before any background loop
// starts.
func Initialize(debug bool) {
	var l *zap.Logger
	var err error
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		// Fall back to a no-op logger rather than leaving the singleton nil.
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// Get returns the current singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// SetForTest installs l as the singleton and returns a restore function.
func SetForTest(l *zap.SugaredLogger) (restore func()) {
	prev := singleton.Load()
	singleton.Store(l)
	return func() { singleton.Store(prev) }
}

func Debug(args ...any)                 { singleton.Load().Debug(args...) }
func Debugf(template string, args ...any) { singleton.Load().Debugf(template, args...) }
func Debugw(msg string, kv ...any)      { singleton.Load().Debugw(msg, kv...) }

func Info(args ...any)                  { singleton.Load().Info(args...) }
func Infof(template string, args ...any)  { singleton.Load().Infof(template, args...) }
func Infow(msg string, kv ...any)       { singleton.Load().Infow(msg, kv...) }

func Warn(args ...any)                  { singleton.Load().Warn(args...) }
func Warnf(template string, args ...any)  { singleton.Load().Warnf(template, args...) }
func Warnw(msg string, kv ...any)       { singleton.Load().Warnw(msg, kv...) }

func Error(args ...any)                 { singleton.Load().Error(args...) }
func Errorf(template string, args ...any) { singleton.Load().Errorf(template, args...) }
func Errorw(msg string, kv ...any)      { singleton.Load().Errorw(msg, kv...) }
