package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config uses defaults", config: nil},
		{name: "explicit debug config", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.config)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("warn message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "warn message") {
		t.Errorf("expected warn message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected formatted key=value pair, got: %s", output)
	}
}

func TestLoggerPrintfVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("tag=%d state=%s", 7, "owned")
	if !strings.Contains(buf.String(), "tag=7 state=owned") {
		t.Errorf("expected formatted debugf output, got: %s", buf.String())
	}

	buf.Reset()
	logger.Printf("endpoint %s", "enabled")
	if !strings.Contains(buf.String(), "[INFO] endpoint enabled") {
		t.Errorf("expected Printf to log at info level, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(New(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(New(nil))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("expected debug message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "[ERROR] error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
