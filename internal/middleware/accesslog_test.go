package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/SkynetNext/push-gateway/internal/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	prev := logger.L
	logger.L = zap.New(core)
	t.Cleanup(func() { logger.L = prev })
	return logs
}

func TestAccessLogEntry_FieldsSkipEmpty(t *testing.T) {
	e := &AccessLogEntry{RemoteAddr: "1.2.3.4:5", Status: "rejected"}
	if n := len(e.fields()); n != 3 {
		t.Errorf("Expected only the 3 mandatory fields, got %d", n)
	}

	e.ConnectionID = "c1"
	e.Released = 4
	e.Error = "boom"
	if n := len(e.fields()); n != 6 {
		t.Errorf("Expected 6 fields, got %d", n)
	}
}

// Direct and batched logging share the process-wide logger, so they are
// exercised in order in a single test.
func TestLogAccess(t *testing.T) {
	logs := observe(t)
	ctx := context.Background()

	// Before InitAccessLogger entries are written directly
	LogAccess(ctx, &AccessLogEntry{RemoteAddr: "a", Status: "closed", ConnectionID: "c0"})
	if logs.FilterMessage("access_log").Len() != 1 {
		t.Fatalf("Expected direct access log entry, got %d", logs.Len())
	}
	entry := logs.All()[0].ContextMap()
	if entry["connection_id"] != "c0" || entry["status"] != "closed" {
		t.Errorf("Unexpected fields: %v", entry)
	}

	InitAccessLogger(2, time.Hour)
	t.Cleanup(ShutdownAccessLogger)

	LogAccess(ctx, &AccessLogEntry{RemoteAddr: "b", Status: "closed"})
	LogAccess(ctx, &AccessLogEntry{RemoteAddr: "c", Status: "error", Error: "reset"})

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("access_log").Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := logs.FilterMessage("access_log").Len(); n != 3 {
		t.Fatalf("Expected a full batch to flush, got %d entries", n)
	}

	// A partial batch is flushed on shutdown
	LogAccess(ctx, &AccessLogEntry{RemoteAddr: "d", Status: "closed"})
	ShutdownAccessLogger()
	if n := logs.FilterMessage("access_log").Len(); n != 4 {
		t.Errorf("Expected pending entry flushed on shutdown, got %d entries", n)
	}
}
