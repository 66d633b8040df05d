// Package logging holds the process-wide logrus logger used by the clustering
// packages. Library code logs through Component so every line carries the
// emitting package.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger = newLogger()

// Fields is an alias for logrus.Fields.
type Fields = logrus.Fields

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Init sets the log level and, when logFile is non-empty, tees output into
// that file. Unknown levels fall back to info.
func Init(level, logFile string) error {
	SetLevel(level)

	if logFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	Logger.SetOutput(io.MultiWriter(os.Stderr, file))
	return nil
}

// SetLevel parses level ("debug", "info", "warn", "error") and applies it.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)
}

// SetOutput redirects log output, mainly for tests and quiet CLI modes.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// Component returns a logger entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
