package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelInfo, Format: "text", Writer: &buf})

	logger.Info("job submitted", "job", "20240101-120000-abcd")

	output := buf.String()
	if !strings.Contains(output, "job submitted") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "job=20240101-120000-abcd") {
		t.Errorf("expected job attr in output, got: %s", output)
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelInfo, Format: "JSON", Writer: &buf})

	logger.Info("task finished", "task", "train_images_0")

	output := buf.String()
	if !strings.Contains(output, `"msg":"task finished"`) {
		t.Errorf("expected JSON msg field, got: %s", output)
	}
	if !strings.Contains(output, `"task":"train_images_0"`) {
		t.Errorf("expected JSON task field, got: %s", output)
	}
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelWarn, Writer: &buf})

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: slog.LevelDebug, Writer: &buf}).With("component", "scheduler")

	logger.Debug("task started", "task", "a")

	output := buf.String()
	if !strings.Contains(output, "component=scheduler") || !strings.Contains(output, "task=a") {
		t.Errorf("missing attrs in output: %s", output)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing to see") // must not panic or write anywhere
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidFormat(t *testing.T) {
	for format, want := range map[string]bool{"": true, "text": true, "JSON": true, "xml": false} {
		if got := ValidFormat(format); got != want {
			t.Errorf("ValidFormat(%q) = %v, want %v", format, got, want)
		}
	}
}
