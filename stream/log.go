package stream

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used by the stream client.
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type logrusLogger struct {
	prefix string
}

var _ Logger = (*logrusLogger)(nil)

// NewLogrusLogger returns a Logger writing to the process-wide logrus
// logger with a component prefix, e.g. "[BRIDGE]".
func NewLogrusLogger(component string) Logger {
	return &logrusLogger{prefix: "[" + component + "] "}
}

func (l *logrusLogger) Infof(format string, v ...interface{}) {
	logrus.Infof(l.prefix+format, v...)
}

func (l *logrusLogger) Warnf(format string, v ...interface{}) {
	logrus.Warnf(l.prefix+format, v...)
}

func (l *logrusLogger) Errorf(format string, v ...interface{}) {
	logrus.Errorf(l.prefix+format, v...)
}

// DefaultLogger is the logger used unless WithLogger overrides it.
func DefaultLogger() Logger {
	return NewLogrusLogger("BRIDGE")
}
