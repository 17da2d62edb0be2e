package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(buf *bytes.Buffer) *zap.SugaredLogger {
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			restore := SetForTest(newBufferedLogger(&buf))
			defer restore()

			tc.logFn()

			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestGetReturnsSingleton(t *testing.T) {
	var buf bytes.Buffer
	restore := SetForTest(newBufferedLogger(&buf))
	defer restore()

	got := Get()
	require.NotNil(t, got)

	got.Info("get test")
	assert.Contains(t, buf.String(), "get test")
}

func TestInitializeDoesNotPanic(t *testing.T) {
	prev := Get()
	defer func() { _ = SetForTest(prev) }()

	assert.NotPanics(t, func() {
		Initialize(true)
		Initialize(false)
	})
}
