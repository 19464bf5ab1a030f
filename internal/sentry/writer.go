package sentry

import (
	"io"
	"strings"

	gosentry "github.com/getsentry/sentry-go"
)

// Level selects what a teed log line becomes on the Sentry side.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Writer tees log output to Sentry so the dispatcher's file logs double as
// crash context: error lines become events, info and warning lines become
// breadcrumbs attached to the next event.
type Writer struct {
	inner io.Writer
	level Level
}

// NewWriter wraps inner. The prloom log file stays the source of truth; the
// Sentry side is best effort and silent when telemetry is off.
func NewWriter(inner io.Writer, level Level) *Writer {
	return &Writer{inner: inner, level: level}
}

func (w *Writer) Write(p []byte) (int, error) {
	// The file write happens regardless of telemetry state.
	n, err := w.inner.Write(p)

	if !enabled {
		return n, err
	}

	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return n, err
	}

	switch w.level {
	case LevelError:
		gosentry.CaptureMessage(msg)
	case LevelWarning:
		gosentry.AddBreadcrumb(&gosentry.Breadcrumb{
			Level:    gosentry.LevelWarning,
			Category: "log",
			Message:  msg,
		})
	case LevelInfo:
		gosentry.AddBreadcrumb(&gosentry.Breadcrumb{
			Level:    gosentry.LevelInfo,
			Category: "log",
			Message:  msg,
		})
	}

	return n, err
}
