package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{JSON: true, Level: zapcore.InfoLevel})
	l.Info("migrate.success", zap.String("namespace", "product"), zap.Int64("version", 2))
	_ = l.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "migrate.success" || entry["namespace"] != "product" || entry["level"] != "info" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestConsoleOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: LevelFor(false)})
	l.Debug("hidden")
	l.Info("shown", zap.String("namespace", "user"))
	_ = l.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, `"namespace": "user"`) {
		t.Fatalf("unexpected console output %q", out)
	}
	if LevelFor(true) != zapcore.DebugLevel {
		t.Fatal("verbose should log at debug")
	}
}
