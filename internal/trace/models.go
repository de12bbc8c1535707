package trace

import "time"

// Call is one phone call.
type Call struct {
	ID        string     `json:"id"`
	StreamID  string     `json:"stream_id"`
	Caller    string     `json:"caller"`
	Callee    string     `json:"callee"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	TurnCount int        `json:"turn_count,omitempty"`
}

// Turn is one utterance through reasoning and synthesis.
type Turn struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Response   string    `json:"response,omitempty"`
	Status     string    `json:"status"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// Span is a single stage inside a turn (reasoning, action, synthesis).
type Span struct {
	ID         string    `json:"id"`
	TurnID     string    `json:"turn_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
