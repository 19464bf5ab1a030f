// Package log provides the shared file-backed loggers used across prloom.
// Everything writes to a single session log file; stderr stays clean for the
// terminal the dispatcher runs in.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/kastheco/prloom/internal/sentry"
)

var (
	InfoLog    *log.Logger
	WarningLog *log.Logger
	ErrorLog   *log.Logger

	globalLogFile *os.File
	logFileName   string
)

func init() {
	// Safe defaults so packages can log before Initialize runs (tests, early
	// startup failures). Discarded unless Initialize is called.
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0o644)
	if err != nil {
		devNull = os.Stderr
	}
	InfoLog = log.New(devNull, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarningLog = log.New(devNull, "WARNING: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(devNull, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
}

// Initialize opens the prloom log file and points the package loggers at it.
// When daemon is true a separate file is used so a foreground run and the
// dispatcher daemon never interleave writes. An optional telemetry argument
// tees errors and breadcrumbs to sentry.
func Initialize(daemon bool, telemetry ...bool) {
	name := "prloom.log"
	if daemon {
		name = "prloom-dispatch.log"
	}
	path := filepath.Join(os.TempDir(), name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		ErrorLog.Printf("could not open log file %s: %v", path, err)
		return
	}

	globalLogFile = f
	logFileName = path

	var infoW, warnW, errW io.Writer = f, f, f
	if len(telemetry) > 0 && telemetry[0] {
		infoW = sentry.NewWriter(f, sentry.LevelInfo)
		warnW = sentry.NewWriter(f, sentry.LevelWarning)
		errW = sentry.NewWriter(f, sentry.LevelError)
	}
	InfoLog = log.New(infoW, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarningLog = log.New(warnW, "WARNING: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(errW, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
}

// Close flushes and closes the log file, printing its location when anything
// was written during the session.
func Close() {
	if globalLogFile == nil {
		return
	}
	_ = globalLogFile.Close()
	if stat, err := os.Stat(logFileName); err == nil && stat.Size() > 0 {
		fmt.Printf("prloom log: %s\n", logFileName)
	}
	globalLogFile = nil
}

// Path returns the active log file path, or empty when logging to /dev/null.
func Path() string {
	return logFileName
}
