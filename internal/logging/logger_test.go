package logging

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test").SetMinLevel(LevelWarn)
	logger.outputs = []io.Writer{&buf}

	logger.Debug("not shown")
	logger.Info("not shown either")
	logger.Warn("shown")
	logger.Error("also shown", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("Filtered levels leaked into output: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "also shown") {
		t.Errorf("Expected WARN and ERROR lines, got: %s", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Errorf("Expected error field in output, got: %s", out)
	}
}

func TestFieldsRendered(t *testing.T) {
	var buf bytes.Buffer
	logger := New("clicker")
	logger.outputs = []io.Writer{&buf}

	logger.InfoWithFields("state changed", map[string]interface{}{"state": "searching", "clicks": 2})

	out := buf.String()
	if !strings.Contains(out, "state=searching") || !strings.Contains(out, "clicks=2") {
		t.Errorf("Expected fields in output, got: %s", out)
	}
	if !strings.Contains(out, "[clicker]") {
		t.Errorf("Expected component tag, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"DEBUG", LevelDebug},
		{"INFO", LevelInfo},
		{"WARN", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
