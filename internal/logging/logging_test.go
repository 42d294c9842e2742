package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("container opened", "container_id", "starter")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["container_id"] != "starter" {
		t.Errorf("Expected container_id attribute, got %v", line["container_id"])
	}
}

func TestL_AddsRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "player_1")

	L(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-123") {
		t.Errorf("Expected request_id in %q", out)
	}
	if !strings.Contains(out, "actor_id=player_1") {
		t.Errorf("Expected actor_id in %q", out)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected slog.Default() when no logger in context")
	}
	if RequestID(context.Background()) != "" || Actor(context.Background()) != "" {
		t.Error("Expected empty IDs on bare context")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("dropped")
}
