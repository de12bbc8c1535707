package trace

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type memWriter struct {
	mu    sync.Mutex
	calls []Call
	ended map[string]string
	turns map[string]string // id → status
	spans []Span
}

func newMemWriter() *memWriter {
	return &memWriter{ended: map[string]string{}, turns: map[string]string{}}
}

func (m *memWriter) CreateCall(_ context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	return nil
}

func (m *memWriter) EndCall(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[id] = reason
	return nil
}

func (m *memWriter) CreateTurn(_ context.Context, id, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[id] = "running"
	return nil
}

func (m *memWriter) UpdateTurn(_ context.Context, id string, _ float64, _, _, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[id] = status
	return nil
}

func (m *memWriter) CreateSpan(_ context.Context, sp Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, sp)
	return nil
}

func TestTracerWritesInOrder(t *testing.T) {
	w := newMemWriter()
	tr := NewTracer(w, Call{ID: "call-1", StartedAt: time.Now()})

	turn := tr.StartTurn()
	tr.RecordSpan(turn, "reasoning", time.Now(), strings.Repeat("x", 900), "reply", "")
	tr.RecordSpan(turn, "synthesis", time.Now(), "reply", "", "timeout")
	tr.EndTurn(turn, 250*time.Millisecond, "hello", "reply", "ok")
	tr.Close("hangup")

	if len(w.calls) != 1 || w.calls[0].ID != "call-1" {
		t.Fatalf("calls = %+v", w.calls)
	}
	if w.turns[turn] != "ok" {
		t.Fatalf("turn status = %q, want ok", w.turns[turn])
	}
	if len(w.spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(w.spans))
	}
	if len(w.spans[0].Input) != maxIOLen {
		t.Fatalf("input not truncated: %d", len(w.spans[0].Input))
	}
	if w.spans[1].Status != "error" || w.spans[1].Error != "timeout" {
		t.Fatalf("span status = %q/%q", w.spans[1].Status, w.spans[1].Error)
	}
	if w.ended["call-1"] != "hangup" {
		t.Fatalf("end reason = %q", w.ended["call-1"])
	}
}

func TestNilTracerIsNoop(t *testing.T) {
	var tr *Tracer
	id := tr.StartTurn()
	tr.RecordSpan(id, "x", time.Now(), "", "", "")
	tr.EndTurn(id, 0, "", "", "ok")
	tr.Close("done")
	if id != "" {
		t.Fatalf("nil tracer returned id %q", id)
	}
}
