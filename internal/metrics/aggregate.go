package metrics

import (
	"sync/atomic"
	"time"
)

// Aggregate holds process-wide counters shared by every call. Fields are only
// touched through atomic operations; nothing call-specific lives here.
type Aggregate struct {
	calls           atomic.Int64
	turns           atomic.Int64
	reasoningCalls  atomic.Int64
	fallbackCalls   atomic.Int64
	reasoningMicros atomic.Int64 // latency
	costMicroUSD    atomic.Int64
	synthRetries    atomic.Int64
	discarded       atomic.Int64
	failedTurns     atomic.Int64
}

// Totals is the process-wide instance.
var Totals = &Aggregate{}

// Snapshot is a point-in-time copy of an Aggregate.
type Snapshot struct {
	Calls            int64   `json:"calls"`
	Turns            int64   `json:"turns"`
	ReasoningCalls   int64   `json:"reasoning_calls"`
	FallbackCalls    int64   `json:"fallback_calls"`
	ReasoningLatency float64 `json:"reasoning_latency_ms"`
	CostUSD          float64 `json:"cost_usd"`
	SynthesisRetries int64   `json:"synthesis_retries"`
	DiscardedSpeech  int64   `json:"discarded_utterances"`
	FailedTurns      int64   `json:"failed_turns"`
}

func (a *Aggregate) CallStarted() { a.calls.Add(1) }
func (a *Aggregate) TurnDone()    { a.turns.Add(1) }
func (a *Aggregate) TurnFailed()  { a.failedTurns.Add(1) }
func (a *Aggregate) Discarded()   { a.discarded.Add(1) }
func (a *Aggregate) SynthRetry()  { a.synthRetries.Add(1) }

// Reasoning records one served reasoning call.
func (a *Aggregate) Reasoning(latency time.Duration, costUSD float64, fallback bool) {
	a.reasoningCalls.Add(1)
	a.reasoningMicros.Add(latency.Microseconds())
	a.costMicroUSD.Add(int64(costUSD * 1e6))
	if fallback {
		a.fallbackCalls.Add(1)
	}
}

func (a *Aggregate) Snapshot() Snapshot {
	return Snapshot{
		Calls:            a.calls.Load(),
		Turns:            a.turns.Load(),
		ReasoningCalls:   a.reasoningCalls.Load(),
		FallbackCalls:    a.fallbackCalls.Load(),
		ReasoningLatency: float64(a.reasoningMicros.Load()) / 1e3,
		CostUSD:          float64(a.costMicroUSD.Load()) / 1e6,
		SynthesisRetries: a.synthRetries.Load(),
		DiscardedSpeech:  a.discarded.Load(),
		FailedTurns:      a.failedTurns.Load(),
	}
}

// Reset zeroes every counter. Tests use it for isolation.
func (a *Aggregate) Reset() {
	a.calls.Store(0)
	a.turns.Store(0)
	a.reasoningCalls.Store(0)
	a.fallbackCalls.Store(0)
	a.reasoningMicros.Store(0)
	a.costMicroUSD.Store(0)
	a.synthRetries.Store(0)
	a.discarded.Store(0)
	a.failedTurns.Store(0)
}
