package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func captureOutput(f func()) string {
	var buf bytes.Buffer
	oldOut := base.Out
	base.SetOutput(&buf)
	defer base.SetOutput(oldOut)

	f()
	return buf.String()
}

func TestInitializeParsesLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"WARN", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"unknown", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Initialize(tt.level)
			assert.Equal(t, tt.expected, base.GetLevel())
		})
	}
}

func TestDebugRespectsLevel(t *testing.T) {
	Initialize("debug")
	output := captureOutput(func() {
		Debug("hello %s", "world")
	})
	assert.Contains(t, output, "hello world")

	Initialize("info")
	output = captureOutput(func() {
		Debug("should not appear")
	})
	assert.Empty(t, output)
}

func TestInfoWarnError(t *testing.T) {
	Initialize("debug")

	output := captureOutput(func() { Info("info %d", 1) })
	assert.Contains(t, output, "info 1")

	output = captureOutput(func() { Warn("warn %d", 2) })
	assert.Contains(t, output, "warn 2")

	output = captureOutput(func() { Error("error %d", 3) })
	assert.Contains(t, output, "error 3")
}

func TestErrorWithStackIncludesStack(t *testing.T) {
	Initialize("error")
	output := captureOutput(func() {
		ErrorWithStack(errors.New("boom"))
	})
	assert.Contains(t, output, "boom")
	assert.Contains(t, output, "stack=")
}

func TestErrorWithStackNilIsNoop(t *testing.T) {
	output := captureOutput(func() {
		ErrorWithStack(nil)
	})
	assert.Empty(t, output)
}

func TestWithFieldReturnsEntry(t *testing.T) {
	entry := WithField("server_id", "srv-1")
	require := entry.Data["server_id"]
	assert.Equal(t, "srv-1", require)
}
