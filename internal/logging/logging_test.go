package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewComponentLoggerTagsComponentAndFormatsArgs(t *testing.T) {
	var buf bytes.Buffer
	base := NewBaseLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	log := NewComponentLogger("dispatcher", base)

	log.Info("handled %d requests", 3)

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}
	if record["component"] != "dispatcher" {
		t.Errorf("component = %v, want dispatcher", record["component"])
	}
	if record["msg"] != "handled 3 requests" {
		t.Errorf("msg = %v, want the formatted message", record["msg"])
	}
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	base := NewBaseLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})
	log := NewComponentLogger("x", base)

	log.Info("should be suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected an info record to be suppressed at warn level, got %q", buf.String())
	}

	log.Warn("should appear")
	if buf.Len() == 0 {
		t.Errorf("expected a warn record to be emitted at warn level")
	}
}

func TestWithAddsAScopedField(t *testing.T) {
	var buf bytes.Buffer
	base := NewBaseLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	log := NewComponentLogger("session", base).With("sessionID", "abc-123")

	log.Info("connected")

	if !strings.Contains(buf.String(), "abc-123") {
		t.Errorf("expected the scoped field to appear in the record, got %q", buf.String())
	}
}

func TestOrNopReturnsNopForNilLogger(t *testing.T) {
	if OrNop(nil) != Nop {
		t.Errorf("expected OrNop(nil) to return the shared Nop logger")
	}
	var l Logger = NewComponentLogger("x", nil)
	if OrNop(l) != l {
		t.Errorf("expected OrNop to pass through a non-nil logger unchanged")
	}
	// Nop must never panic on any method, including a zero-arg call.
	Nop.Debug("no args")
	Nop.Info("fmt %s", "arg")
	Nop.Warn("x")
	Nop.Error("x")
	if Nop.With("k", "v") != Nop {
		t.Errorf("expected Nop.With to return Nop")
	}
}

func TestContextThreadsLoggerThrough(t *testing.T) {
	if FromContext(context.Background()) != Nop {
		t.Errorf("expected FromContext on a bare context to return Nop")
	}

	var buf bytes.Buffer
	base := NewBaseLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	log := NewComponentLogger("handler", base)
	ctx := WithContext(context.Background(), log)

	FromContext(ctx).Info("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Errorf("expected the context-threaded logger to be used, got %q", buf.String())
	}
}
