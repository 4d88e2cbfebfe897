package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/obs"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (s *recordingSink) RecordActivity(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLogs(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithIdentity(ctx, &auth.Identity{ID: "user-42"})

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestLogEventSink(t *testing.T) {
	buf := captureLogs(t)
	sink := &recordingSink{err: errors.New("db down")}
	SetSink(sink)
	defer SetSink(nil)

	if err := LogEvent(context.Background(), "auth.sign_in", map[string]any{"user_id": "u-1", "result": "success"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected one persisted entry, got %d", len(sink.entries))
	}
	got := sink.entries[0]
	if got.UserID != "u-1" || got.Fields["result"] != "success" {
		t.Fatalf("unexpected entry %+v", got)
	}
	if _, dup := got.Fields["user_id"]; dup {
		t.Fatal("user_id should be lifted out of fields")
	}
	if !bytes.Contains(buf.Bytes(), []byte("persist audit event")) {
		t.Fatalf("expected sink failure to be logged, got %s", buf.String())
	}
}
