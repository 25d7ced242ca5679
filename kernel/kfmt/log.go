package kfmt

import (
	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		PadLevelText:     true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Logger returns a structured logger whose entries are tagged with the
// supplied kernel module name. All loggers write to the kfmt output sink.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// SetLogLevel parses and applies a logging severity level (e.g. "debug").
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLevel(lvl)
	return nil
}

// DebugEnabled returns true if debug-level messages are emitted.
func DebugEnabled() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}
