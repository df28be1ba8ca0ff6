package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/sqlchat/sqlchat/internal/config"
)

func TestNewLoggerAddsServiceAttributes(t *testing.T) {
	cfg := config.Config{
		Profile:       config.ProfileTest,
		Service:       config.ServiceConfig{Name: "sqlchat-api"},
		Observability: config.ObservabilityConfig{LogLevel: slog.LevelInfo, LogJSON: true},
	}
	var buf bytes.Buffer
	logger := WithTrace(ContextWithTraceID(context.Background(), "trace-9"), NewLogger(cfg, &buf))
	logger.Info("turn_completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "sqlchat-api" {
		t.Fatalf("service = %v", entry["service"])
	}
	if entry["profile"] != "test" {
		t.Fatalf("profile = %v", entry["profile"])
	}
	if entry["trace_id"] != "trace-9" {
		t.Fatalf("trace_id = %v", entry["trace_id"])
	}
}

func TestWithTraceHandlesNilLogger(t *testing.T) {
	logger := WithTrace(context.Background(), nil)
	if logger == nil {
		t.Fatal("expected discard logger")
	}
	logger.Info("ignored")
}
