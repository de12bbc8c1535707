// Package finalize turns a finished call session into a delivery record.
package finalize

import (
	"log/slog"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/call"
	"github.com/hubenschmidt/voice-agent/internal/delivery"
)

// Submitter accepts records without blocking. *delivery.Dispatcher
// implements it.
type Submitter interface {
	Submit(delivery.Record)
}

// Finalizer implements call.Finalizer.
type Finalizer struct {
	sub Submitter
}

func New(sub Submitter) *Finalizer {
	return &Finalizer{sub: sub}
}

func (f *Finalizer) Finalize(s call.Snapshot) {
	r := BuildRecord(s)
	slog.Info("call finalized", "call_id", r.CallID, "end_reason", r.EndReason,
		"duration_s", r.DurationSeconds, "fields", len(r.Collected), "cost_usd", r.Usage.CostUSD)
	f.sub.Submit(r)
}

// BuildRecord assembles the delivery payload from a session snapshot.
func BuildRecord(s call.Snapshot) delivery.Record {
	r := delivery.Record{
		CallID:          s.CallID,
		StreamID:        s.StreamID,
		From:            s.From,
		To:              s.To,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond).Seconds(),
		Transcript:      make([]delivery.Line, len(s.Display)),
		Collected:       s.Collected,
		EndReason:       s.EndReason,
		Usage: delivery.Usage{
			Calls:        s.Usage.Calls,
			Fallbacks:    s.Usage.Fallbacks,
			LatencyMs:    s.Usage.Latency.Milliseconds(),
			CostUSD:      s.Usage.CostUSD,
			LastProvider: s.Usage.LastProvider,
		},
	}
	if r.Collected == nil {
		r.Collected = map[string]any{}
	}
	if p := s.Profile; p != nil {
		r.ProfileID = p.ID
		r.Business = p.BusinessName
		r.CallType = string(p.CallType)
	}
	for i, l := range s.Display {
		r.Transcript[i] = delivery.Line{Speaker: string(l.Speaker), Text: l.Text, At: l.At}
	}
	for _, e := range s.Usage.Entries {
		if r.Usage.ByProvider == nil {
			r.Usage.ByProvider = map[string]int{}
		}
		r.Usage.ByProvider[e.Provider]++
		r.Usage.InputTokens += e.InputTokens
		r.Usage.OutputTokens += e.OutputTokens
	}
	return r
}
