// Package delivery hands finished call records to the business's webhook.
// Submission never blocks the caller; retries happen on background workers.
package delivery

import "time"

// Line is one display-transcript entry.
type Line struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Usage summarizes reasoning spend for the call.
type Usage struct {
	Calls        int            `json:"calls"`
	Fallbacks    int            `json:"fallbacks"`
	LatencyMs    int64          `json:"latency_ms"`
	CostUSD      float64        `json:"cost_usd"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LastProvider string         `json:"last_provider,omitempty"`
	ByProvider   map[string]int `json:"by_provider,omitempty"`
}

// Record is the payload posted for one call.
type Record struct {
	CallID          string         `json:"call_id"`
	StreamID        string         `json:"stream_id"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	ProfileID       string         `json:"profile_id,omitempty"`
	Business        string         `json:"business,omitempty"`
	CallType        string         `json:"call_type,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Transcript      []Line         `json:"transcript"`
	Collected       map[string]any `json:"collected"`
	Usage           Usage          `json:"usage"`
	EndReason       string         `json:"end_reason"`
	Summary         string         `json:"summary,omitempty"`
}
