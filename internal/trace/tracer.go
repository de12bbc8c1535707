package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen   = 500
	writeLimit = 5 * time.Second
)

// Writer is the persistence side of a Tracer. *Store implements it.
type Writer interface {
	CreateCall(ctx context.Context, c Call) error
	EndCall(ctx context.Context, id, reason string) error
	CreateTurn(ctx context.Context, id, callID string, startedAt time.Time) error
	UpdateTurn(ctx context.Context, id string, durationMs float64, transcript, response, status string) error
	CreateSpan(ctx context.Context, sp Span) error
}

type traceMsg struct {
	kind string // "turn_create", "turn_update", "span", "call_end"
	// turn fields
	turnID     string
	startedAt  time.Time
	durationMs float64
	transcript string
	response   string
	status     string
	// span fields
	span Span
}

// Tracer writes one call's trace asynchronously via a buffered channel so a
// slow database never stalls the conversation. All methods are nil-safe.
type Tracer struct {
	w      Writer
	callID string
	ch     chan traceMsg
	done   chan struct{}
}

// NewTracer records the call row and starts the writer goroutine. Must call
// Close when the call ends.
func NewTracer(w Writer, c Call) *Tracer {
	t := &Tracer{
		w:      w,
		callID: c.ID,
		ch:     make(chan traceMsg, 128),
		done:   make(chan struct{}),
	}
	go t.drain(c)
	return t
}

func (t *Tracer) drain(c Call) {
	defer close(t.done)
	if err := t.write(func(ctx context.Context) error { return t.w.CreateCall(ctx, c) }); err != nil {
		slog.Warn("trace write failed", "kind", "call_create", "error", err)
	}
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func(ctx context.Context) error{
		"turn_create": func(ctx context.Context) error { return t.w.CreateTurn(ctx, m.turnID, t.callID, m.startedAt) },
		"turn_update": func(ctx context.Context) error {
			return t.w.UpdateTurn(ctx, m.turnID, m.durationMs, m.transcript, m.response, m.status)
		},
		"span":     func(ctx context.Context) error { return t.w.CreateSpan(ctx, m.span) },
		"call_end": func(ctx context.Context) error { return t.w.EndCall(ctx, t.callID, m.status) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := t.write(fn); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "call_id", t.callID, "error", err)
	}
}

func (t *Tracer) write(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeLimit)
	defer cancel()
	return fn(ctx)
}

func (t *Tracer) send(m traceMsg) {
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace buffer full, dropping", "kind", m.kind, "call_id", t.callID)
	}
}

// StartTurn begins a turn and returns its ID.
func (t *Tracer) StartTurn() string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.send(traceMsg{kind: "turn_create", turnID: id, startedAt: time.Now()})
	return id
}

func (t *Tracer) EndTurn(turnID string, d time.Duration, transcript, response, status string) {
	if t == nil || turnID == "" {
		return
	}
	t.send(traceMsg{
		kind:       "turn_update",
		turnID:     turnID,
		durationMs: float64(d.Microseconds()) / 1e3,
		transcript: truncate(transcript, maxIOLen),
		response:   truncate(response, maxIOLen),
		status:     status,
	})
}

// RecordSpan records a completed stage. errMsg empty means success.
func (t *Tracer) RecordSpan(turnID, name string, startedAt time.Time, input, output, errMsg string) {
	if t == nil || turnID == "" {
		return
	}
	status := "ok"
	if errMsg != "" {
		status = "error"
	}
	t.send(traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			TurnID:     turnID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: float64(time.Since(startedAt).Microseconds()) / 1e3,
			Input:      truncate(input, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
			Error:      errMsg,
		},
	})
}

// Close records the end reason, drains pending writes, and stops the writer.
func (t *Tracer) Close(reason string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "call_end", status: reason}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
