package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{" error ", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			SetLevel(tt.input)
			if Logger.GetLevel() != tt.expected {
				t.Errorf("SetLevel(%q) level = %v, want %v", tt.input, Logger.GetLevel(), tt.expected)
			}
		})
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Component("pipeline").WithField("face_id", 42).Info("committed")

	out := buf.String()
	if !strings.Contains(out, "component=pipeline") {
		t.Errorf("expected component field in %q", out)
	}
	if !strings.Contains(out, "face_id=42") {
		t.Errorf("expected face_id field in %q", out)
	}
}

func TestInitWithFile(t *testing.T) {
	defer SetOutput(os.Stderr)
	defer SetLevel("info")

	logFile := filepath.Join(t.TempDir(), "logs", "clusterer.log")
	if err := Init("debug", logFile); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Component("test").Debug("hello file")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing message: %q", string(data))
	}
}
