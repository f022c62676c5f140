package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// captureLogOutput captures log output for testing by reinitializing the
// logger to write to a buffer.
func captureLogOutput(level Level, format Format, f func()) string {
	var buf bytes.Buffer
	InitLoggerWithOutput(&buf, level, format)
	f()
	InitLogger(LevelWarn, FormatText)
	return buf.String()
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{"Debug level JSON format", LevelDebug, FormatJSON},
		{"Info level Text format", LevelInfo, FormatText},
		{"Default level (invalid value)", Level(999), FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			if GetLogger() == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
	InitLogger(LevelWarn, FormatText)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	output := captureLogOutput(LevelWarn, FormatJSON, func() {
		Info("hidden")
		Warn("shown")
	})
	if strings.Contains(output, "hidden") {
		t.Errorf("info message should be filtered at warn level: %s", output)
	}
	if !strings.Contains(output, "shown") {
		t.Errorf("warn message missing: %s", output)
	}
}

func TestPassID(t *testing.T) {
	ctx := WithPassID(context.Background(), "pass-1")
	if got := GetPassID(ctx); got != "pass-1" {
		t.Errorf("GetPassID() = %q, want %q", got, "pass-1")
	}
	if got := GetPassID(context.Background()); got != "" {
		t.Errorf("GetPassID() = %q, want empty", got)
	}

	output := captureLogOutput(LevelInfo, FormatJSON, func() {
		InfoContext(ctx, "with id")
	})
	if !strings.Contains(output, `"pass_id":"pass-1"`) {
		t.Errorf("pass_id missing from output: %s", output)
	}
}

func TestPageCorrupted(t *testing.T) {
	output := captureLogOutput(LevelDebug, FormatJSON, func() {
		PageCorrupted("/tmp/x.db", 3, errors.New("invalid page type"))
	})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &entry); err != nil {
		t.Fatalf("json.Unmarshal() error = %v (output %q)", err, output)
	}
	if entry["msg"] != "page_corrupted" {
		t.Errorf("msg = %v, want page_corrupted", entry["msg"])
	}
	if entry["page"] != float64(3) {
		t.Errorf("page = %v, want 3", entry["page"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
}

func TestRepairFinishedAndFactoryEvent(t *testing.T) {
	output := captureLogOutput(LevelInfo, FormatText, func() {
		RepairFinished(context.Background(), "/tmp/x.db", 0.5, 20*time.Millisecond, "tables", 2)
		FactoryEvent(context.Background(), "deposit", "/tmp/x.db.factory")
	})
	for _, want := range []string{"repair_finished", "score=0.5", "tables=2", "factory_event", "event=deposit"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}
