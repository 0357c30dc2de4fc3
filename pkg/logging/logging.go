// Package logging provides pre-configured per-component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	runID     string
	runIDOnce sync.Once

	fileOut  io.Writer
	fileOnce sync.Once
)

// RunID returns the identifier for this daemon run, used to name the
// run-scoped log file.
func RunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// runLogOutput opens the run-scoped log file under WALINK_LOG_DIR. It
// returns nil when no directory is configured or the file cannot be
// opened; logging then goes to stderr only.
func runLogOutput() io.Writer {
	fileOnce.Do(func() {
		dir := os.Getenv("WALINK_LOG_DIR")
		if dir == "" {
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "walinkd: failed to create log directory: %v\n", err)
			return
		}

		name := fmt.Sprintf("walinkd-%s-%s.log", time.Now().Format("20060102-150405"), RunID()[:8])
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "walinkd: failed to open log file: %v\n", err)
			return
		}
		fileOut = f
	})
	return fileOut
}

// NewLogger returns a logger for the given component, configured from
// the environment. Loggers are singletons per component.
//
//	WALINK_LOG_LEVEL  debug|info|warn|error (default info)
//	WALINK_LOG_FORMAT json|text (default text)
//	WALINK_LOG_DIR    also write to a run-scoped file in this directory
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if entry, exists := loggers[component]; exists {
		return entry
	}

	logger := logrus.New()

	out := io.Writer(os.Stderr)
	if f := runLogOutput(); f != nil {
		out = io.MultiWriter(os.Stderr, f)
	}
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(os.Getenv("WALINK_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("WALINK_LOG_FORMAT") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}
