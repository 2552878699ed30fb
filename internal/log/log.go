// Package log provides the logrus formatter and context-scoped loggers shared by scansync binaries.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// NewFormatter returns the text formatter used by all scansync processes
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:    noColors,
		FullTimestamp:    true,
		TimestampFormat:  "2006-01-02 15:04:05.000",
		QuoteEmptyFields: true,
		PadLevelText:     true,
	}
}

// WithLogger returns a copy of ctx carrying the given log entry
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// GetLogger returns the entry stored in ctx or the standard logger
func GetLogger(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok && entry != nil {
			return entry
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Component returns a logger tagged with the component name
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
