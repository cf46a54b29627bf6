package logging

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// captureHandler records every log entry's attributes for assertions.
type captureHandler struct {
	mu      *sync.Mutex
	attrs   []slog.Attr
	records *[]map[string]any
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		mu:      &sync.Mutex{},
		records: &[]map[string]any{},
	}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := make(map[string]any)
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})
	entry["msg"] = r.Message

	h.mu.Lock()
	*h.records = append(*h.records, entry)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &captureHandler{mu: h.mu, attrs: merged, records: h.records}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) last(t *testing.T) map[string]any {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(*h.records) == 0 {
		t.Fatal("no log records captured")
	}
	return (*h.records)[len(*h.records)-1]
}

func TestComponentLogger(t *testing.T) {
	h := newCaptureHandler()
	InitWithHandler(h)

	Component("pipeline").Info("started", "partitions", 4)

	rec := h.last(t)
	if rec["component"] != "pipeline" {
		t.Errorf("component = %v, want pipeline", rec["component"])
	}
	if rec["msg"] != "started" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestWithContextAttachesRequestScope(t *testing.T) {
	h := newCaptureHandler()
	InitWithHandler(h)

	ctx := ContextWithEntityID(context.Background(), "user_9")
	ctx = ContextWithRequestID(ctx, 42)
	WithContext(ctx).Warn("store fetch failed", "feature", "score")

	rec := h.last(t)
	if rec["entity_id"] != "user_9" {
		t.Errorf("entity_id = %v, want user_9", rec["entity_id"])
	}
	if rec["request_id"] != uint64(42) {
		t.Errorf("request_id = %v, want 42", rec["request_id"])
	}
	if rec["feature"] != "score" {
		t.Errorf("feature = %v, want score", rec["feature"])
	}
}

func TestWithContextWithoutScope(t *testing.T) {
	h := newCaptureHandler()
	InitWithHandler(h)

	WithContext(context.Background()).Info("plain")

	rec := h.last(t)
	if _, ok := rec["entity_id"]; ok {
		t.Error("entity_id attached without context value")
	}
	if _, ok := rec["request_id"]; ok {
		t.Error("request_id attached without context value")
	}
}
