// Package logger is the structured leveled logger used by pkg/server,
// pkg/client, and the cmd/ demo binaries.
package logger

import (
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

// Initialize sets the logger's minimum level from a string
// ("debug"/"info"/"warn"/"error"); unrecognized values fall back to info.
func Initialize(level string) {
	base.SetLevel(parseLevel(level))
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) { base.Debugf(format, v...) }

// Info logs an info message.
func Info(format string, v ...interface{}) { base.Infof(format, v...) }

// Warn logs a warning message.
func Warn(format string, v ...interface{}) { base.Warnf(format, v...) }

// Error logs an error message.
func Error(format string, v ...interface{}) { base.Errorf(format, v...) }

// ErrorWithStack logs an error at Error level with a stack trace field,
// for protocol/transport errors the core catches on the ingress path.
func ErrorWithStack(err error) {
	if err == nil {
		return
	}
	base.WithField("stack", string(debug.Stack())).Errorf("%v", err)
}

// WithField returns a logrus entry pre-populated with one field, for
// call sites that want to attach structured context (server_id,
// client_id, correlation_id, ...) to a burst of related log lines.
func WithField(key string, value interface{}) *logrus.Entry {
	return base.WithField(key, value)
}
