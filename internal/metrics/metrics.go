package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_calls_total",
		Help: "Total calls accepted",
	})

	CallsAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_calls_aborted_total",
		Help: "Calls closed before reaching the conversation, by reason",
	}, []string{"reason"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_e2e_duration_seconds",
		Help:    "Latency from finalized utterance to first outbound audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_frames_total",
		Help: "Inbound media frames received from the transport",
	})

	AudioFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_frames_dropped_total",
		Help: "Inbound frames dropped because the recognizer was unavailable or backed up",
	})

	UtterancesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_utterances_dropped_total",
		Help: "Stale recognized utterances overwritten because the session fell behind",
	})

	UtterancesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_utterances_discarded_total",
		Help: "Finalized utterances discarded while the assistant held the floor",
	})

	ReasoningCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_reasoning_calls_total",
		Help: "Reasoning calls by serving provider",
	}, []string{"provider", "fallback"})

	ReasoningCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_reasoning_cost_usd_total",
		Help: "Estimated reasoning spend by provider",
	}, []string{"provider"})

	SynthesisRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_synthesis_retries_total",
		Help: "Reconnect-and-retry attempts after a synthesis timeout",
	})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_delivery_attempts_total",
		Help: "Post-call webhook attempts by outcome",
	}, []string{"outcome"})
)
