package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo, slog.String("strategy_tag", "nifty_100"))
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if slog.Default() != logger {
		t.Error("expected Init to install the default logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"WARN":     slog.LevelWarn,
		"error":    slog.LevelError,
		"info":     slog.LevelInfo,
		"nonsense": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("expected 'req-123', got %q", id)
	}
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	if a == b {
		t.Fatal("expected distinct request ids")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected uuid, got %q: %v", a, err)
	}
}

func TestLogWithRequest(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithRequest(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no request id, got %v", attrs)
	}

	ctx = WithRequestID(ctx, "abc-123")
	if attrs := LogWithRequest(ctx); len(attrs) != 1 {
		t.Fatalf("expected one attr with request id set, got %v", attrs)
	}
}
