package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// decodeLines parses every JSON line written to buf
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q (%v)", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "dispatcher"},
		{name: "create logger with empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, s := otel.Tracer("test-tracer").Start(ctx, "test-span")
				defer s.End()
				ctx = newCtx
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "test-service")
			}
			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && (entry.TraceID == "" || entry.SpanID == "") {
				t.Error("WithContext() trace and span ids should be set with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_Output(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("dispatcher", &buf)

	logger.Plain().
		WithTenant("tenant-1").
		WithSubscription("wh-1").
		WithDelivery("del-1").
		WithEvent("video.deleted").
		WithField("attempt", 2).
		WithError(errors.New("connection refused")).
		Warn("delivery attempt failed")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	line := lines[0]

	want := map[string]any{
		"msg":             "delivery attempt failed",
		"level":           "warning",
		"service":         "dispatcher",
		"tenant_id":       "tenant-1",
		"subscription_id": "wh-1",
		"delivery_id":     "del-1",
		"event":           "video.deleted",
		"error":           "connection refused",
		"attempt":         float64(2),
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("log line[%q] = %v, want %v", k, line[k], v)
		}
	}
	if _, ok := line["trace_id"]; ok {
		t.Error("empty trace_id should be omitted")
	}
	if _, ok := line["time"]; !ok {
		t.Error("log line should carry a time field")
	}
}

func TestLogEntry_Levels(t *testing.T) {
	tests := []struct {
		name      string
		log       func(e *LogEntry)
		wantLevel string
		wantMsg   string
	}{
		{name: "debug", log: func(e *LogEntry) { e.Debug("d") }, wantLevel: "debug", wantMsg: "d"},
		{name: "debugf", log: func(e *LogEntry) { e.Debugf("d %d", 1) }, wantLevel: "debug", wantMsg: "d 1"},
		{name: "info", log: func(e *LogEntry) { e.Info("i") }, wantLevel: "info", wantMsg: "i"},
		{name: "infof", log: func(e *LogEntry) { e.Infof("i %s", "x") }, wantLevel: "info", wantMsg: "i x"},
		{name: "warnf", log: func(e *LogEntry) { e.Warnf("w %v", true) }, wantLevel: "warning", wantMsg: "w true"},
		{name: "error", log: func(e *LogEntry) { e.Error("e") }, wantLevel: "error", wantMsg: "e"},
		{name: "errorf", log: func(e *LogEntry) { e.Errorf("e %d", 2) }, wantLevel: "error", wantMsg: "e 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithOutput("svc", &buf)
			entry := logger.Plain()
			tt.log(entry)

			lines := decodeLines(t, &buf)
			if len(lines) != 1 {
				t.Fatalf("expected 1 log line, got %d", len(lines))
			}
			if lines[0]["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", lines[0]["level"], tt.wantLevel)
			}
			if lines[0]["msg"] != tt.wantMsg {
				t.Errorf("msg = %v, want %v", lines[0]["msg"], tt.wantMsg)
			}
			if entry.Message != tt.wantMsg {
				t.Errorf("entry.Message = %q, want %q", entry.Message, tt.wantMsg)
			}
		})
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("svc", &buf)
	logger.SetLevel("warn")

	logger.Plain().Info("dropped")
	logger.Plain().Error("kept")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Errorf("SetLevel(warn) lines = %v, want only the error line", lines)
	}

	logger.SetLevel("not-a-level")
	logger.Plain().Info("still dropped")
	if got := len(decodeLines(t, &buf)); got != 1 {
		t.Errorf("unknown level should keep previous threshold, got %d lines", got)
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger := New("svc")
	entry := logger.WithFields(map[string]any{"count": 42, "active": true})

	if entry.Fields["count"] != 42 || entry.Fields["active"] != true {
		t.Errorf("WithFields() Fields = %v", entry.Fields)
	}

	entry.WithFields(map[string]any{"extra": "x"})
	if len(entry.Fields) != 3 {
		t.Errorf("WithFields() merge length = %d, want 3", len(entry.Fields))
	}
}

func TestLogEntry_WithErrorNil(t *testing.T) {
	entry := New("svc").Plain().WithError(nil)
	if _, ok := entry.Fields["error"]; ok {
		t.Error("WithError(nil) should not add an error field")
	}
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultService("custom")
	defer SetDefaultService("harbordispatch")

	if got := Plain().Service; got != "custom" {
		t.Errorf("Plain().Service = %q, want %q", got, "custom")
	}
	if got := WithFields(map[string]any{"a": 1}).Service; got != "custom" {
		t.Errorf("WithFields().Service = %q, want %q", got, "custom")
	}
	if got := WithContext(context.Background()).Service; got != "custom" {
		t.Errorf("WithContext().Service = %q, want %q", got, "custom")
	}
}
