package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferedLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	log, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewZapLogger_Formats(t *testing.T) {
	tests := []struct {
		name    string
		format  LogFormat
		wantErr bool
	}{
		{name: "json", format: JSONFormat},
		{name: "text", format: TextFormat},
		{name: "empty defaults to json", format: ""},
		{name: "unknown", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewZapLogger(Config{Level: InfoLevel, Format: tt.format, Output: &bytes.Buffer{}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewZapLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		logFunc  func(Logger)
		expected bool
	}{
		{"debug level logs debug", DebugLevel, func(l Logger) { l.Debug("m") }, true},
		{"info level drops debug", InfoLevel, func(l Logger) { l.Debug("m") }, false},
		{"warn level drops info", WarnLevel, func(l Logger) { l.Info("m") }, false},
		{"error level logs error", ErrorLevel, func(l Logger) { l.Error("m") }, true},
		{"invalid level behaves as info", "bogus", func(l Logger) { l.Info("m") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBufferedLogger(t, tt.level)
			tt.logFunc(log)
			_ = log.Sync()
			if got := buf.Len() > 0; got != tt.expected {
				t.Fatalf("expected output=%v, got %q", tt.expected, buf.String())
			}
		})
	}
}

func TestZapLogger_WithContextAddsOperationFields(t *testing.T) {
	log, buf := newBufferedLogger(t, InfoLevel)

	ctx := ContextWithOperationID(context.Background(), "op-1")
	ctx = ContextWithLoopID(ctx, "loop-7")
	log.WithContext(ctx).Info("completed", "op", "get")
	log.WithContext(context.Background()).Info("plain")

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["operation_id"] != "op-1" || entries[0]["loop_id"] != "loop-7" {
		t.Fatalf("expected context fields, got %v", entries[0])
	}
	if entries[0]["op"] != "get" {
		t.Fatalf("expected op field, got %v", entries[0])
	}
	if _, ok := entries[1]["operation_id"]; ok {
		t.Fatalf("unexpected operation_id on plain entry: %v", entries[1])
	}
}

func TestParseLogLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLogLevel("WARNING"); err != nil || lvl != WarnLevel {
		t.Fatalf("expected warn, got %v %v", lvl, err)
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if f, err := ParseLogFormat("console"); err != nil || f != TextFormat {
		t.Fatalf("expected text, got %v %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Info("ignored", "k", "v")
	if log.With("a", 1) == nil || log.WithContext(context.Background()) == nil {
		t.Fatal("nop logger must return itself")
	}
}
