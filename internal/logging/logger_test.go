package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerUsesDefaultConfigWhenNil(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below LevelWarn, got: %s", buf.String())
	}

	logger.Warn("first warning")
	if !strings.Contains(buf.String(), "first warning") {
		t.Errorf("Expected warning to appear, got: %s", buf.String())
	}
}

func TestLoggerFormatsKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("job admitted", "job", 7, "cores", 2)
	output := buf.String()
	if !strings.Contains(output, "job=7") {
		t.Errorf("Expected job=7 in output, got: %s", output)
	}
	if !strings.Contains(output, "cores=2") {
		t.Errorf("Expected cores=2 in output, got: %s", output)
	}
}

func TestLoggerPrintfAndDebugfDelegateToLeveledMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Printf("submitting %s", "job-1")
	if !strings.Contains(buf.String(), "submitting job-1") {
		t.Errorf("Expected Printf output, got: %s", buf.String())
	}

	buf.Reset()
	logger.Debugf("retrying in %dms", 250)
	if !strings.Contains(buf.String(), "retrying in 250ms") {
		t.Errorf("Expected Debugf output, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctionsUseDefault(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("Expected debug message with key=value, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("Expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("Expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Expected error message, got: %s", buf.String())
	}
}
