// Package call runs one phone conversation: warm-up, half-duplex turn taking
// between the recognizer, the reasoning router and the synthesizer, and
// teardown into the finalizer.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/actions"
	"github.com/hubenschmidt/voice-agent/internal/llm"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/profile"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/trace"
	"github.com/hubenschmidt/voice-agent/internal/tts"
)

// Recognizer is a streaming speech-to-text connection. *stt.Gateway
// implements it.
type Recognizer interface {
	Utterances() <-chan string
	SendAudio(frame []byte)
	Close() error
}

// Synthesizer is a single-flight text-to-speech connection. *tts.Gateway
// implements it.
type Synthesizer interface {
	Speak(ctx context.Context, text string) (<-chan tts.Chunk, error)
	IdleFor() time.Duration
	Reconnect(ctx context.Context) error
	Close() error
}

// Reasoner answers one transcript. *llm.Router implements it.
type Reasoner interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Output is the outbound side of the telephony stream.
type Output interface {
	SendAudio(audio []byte) error
	// Clear drops audio the far end has buffered but not yet played.
	Clear() error
	// Mark asks the far end to report when playback reaches this point.
	Mark(name string) error
	Close() error
}

// Finalizer receives the finished call. It must not block.
type Finalizer interface {
	Finalize(Snapshot)
}

// Dialers open the per-call speech connections.
type (
	RecognizerDialer  func(ctx context.Context, onError func(error)) (Recognizer, error)
	SynthesizerDialer func(ctx context.Context, voiceID string) (Synthesizer, error)
)

// Config is shared by every call on the process.
type Config struct {
	Profiles  profile.Lookup
	Reasoner  Reasoner
	DialSTT   RecognizerDialer
	DialTTS   SynthesizerDialer
	Finalizer Finalizer
	// NewTracer is optional.
	NewTracer func(trace.Call) *trace.Tracer

	// Ringback is one cadence of mu-law audio looped for RingbackDuration
	// while the connections come up.
	Ringback         []byte
	RingbackDuration time.Duration
	// IdleRefresh reconnects the synthesizer before use once it has been
	// idle this long.
	IdleRefresh    time.Duration
	PlaybackMargin time.Duration
	EndCallGrace   time.Duration
	MaxTokens      int
}

// Start is the transport's call-started signal.
type Start struct {
	CallID   string
	StreamID string
	From     string
	To       string
}

// Speaker attributes a display transcript line.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Line is one entry of the human-readable transcript.
type Line struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// ReasoningCall is the bookkeeping for one router call.
type ReasoningCall struct {
	Provider     string        `json:"provider"`
	Fallback     bool          `json:"is_fallback"`
	Latency      time.Duration `json:"latency"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
}

// Usage accumulates reasoning calls for one session.
type Usage struct {
	Calls        int             `json:"calls"`
	Fallbacks    int             `json:"fallbacks"`
	Latency      time.Duration   `json:"latency"`
	CostUSD      float64         `json:"cost_usd"`
	LastProvider string          `json:"last_provider"`
	Entries      []ReasoningCall `json:"entries"`
}

func (u *Usage) add(r *llm.Result) {
	u.Calls++
	if r.Fallback {
		u.Fallbacks++
	}
	u.Latency += r.Latency
	u.CostUSD += r.CostUSD
	u.LastProvider = r.Provider
	u.Entries = append(u.Entries, ReasoningCall{
		Provider:     r.Provider,
		Fallback:     r.Fallback,
		Latency:      r.Latency,
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		CostUSD:      r.CostUSD,
	})
}

// Snapshot is the state handed to the finalizer.
type Snapshot struct {
	Start
	Profile    *profile.Profile
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript []llm.Message
	Display    []Line
	Collected  map[string]any
	Usage      Usage
	EndReason  string
}

// End reasons.
const (
	EndCallerHangup = "caller_hangup"
	EndAgent        = "agent_ended"
	EndShutdown     = "shutdown"
	EndWarmupFailed = "warmup_failed"
	EndSTTLost      = "stt_lost"
)

// Session is one phone call. Run drives it; Feed and Stop are safe to call
// from the transport goroutine at any time.
type Session struct {
	cfg  Config
	info Start
	out  Output
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// speaking is the turn-taking flag. Utterances that arrive while it is
	// set are discarded.
	speaking atomic.Bool
	spoken   atomic.Int64

	// turns carries accepted utterances to the turn worker.
	turns  chan string
	sttErr chan error

	mu         sync.Mutex
	state      State
	profile    *profile.Profile
	exec       *actions.Executor
	tracer     *trace.Tracer
	recognizer Recognizer
	synth      Synthesizer
	transcript []llm.Message
	display    []Line
	record     actions.Record
	usage      Usage
	startedAt  time.Time
	endReason  string
	endTimer   *time.Timer
}

// New prepares a session. Nothing happens until Run.
func New(cfg Config, info Start, out Output) *Session {
	if cfg.PlaybackMargin <= 0 {
		cfg.PlaybackMargin = 400 * time.Millisecond
	}
	if cfg.EndCallGrace <= 0 {
		cfg.EndCallGrace = 4 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		info:      info,
		out:       out,
		log:       slog.With("call_id", info.CallID, "stream_id", info.StreamID),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		turns:     make(chan string, 4),
		sttErr:    make(chan error, 1),
		startedAt: time.Now(),
	}
}

// Run resolves the profile, warms up, and processes turns until the call
// ends. The returned error reports why a call never got going; calls that
// end normally return nil.
func (s *Session) Run(parent context.Context) error {
	defer close(s.done)
	stop := context.AfterFunc(parent, func() { s.end(EndShutdown) })
	defer stop()
	ctx := s.ctx

	s.setState(WarmingUp)
	p, err := s.cfg.Profiles.Lookup(ctx, s.info.To)
	if err != nil {
		metrics.CallsAborted.WithLabelValues(abortReason(err)).Inc()
		s.log.Error("profile lookup failed", "to", s.info.To, "error", err)
		if cerr := s.out.Close(); cerr != nil {
			s.log.Debug("close transport", "error", cerr)
		}
		s.setState(Closed)
		s.cancel()
		return fmt.Errorf("profile: %w", err)
	}

	if err := s.seed(p); err != nil {
		metrics.CallsAborted.WithLabelValues(EndWarmupFailed).Inc()
		s.log.Error("call setup failed", "error", err)
		s.end(EndWarmupFailed)
		s.terminate()
		return err
	}
	metrics.CallsTotal.Inc()
	metrics.Totals.CallStarted()
	s.log.Info("call started", "from", s.info.From, "to", s.info.To, "profile", p.ID)

	if err := s.warmUp(ctx); err != nil {
		if ctx.Err() == nil {
			metrics.CallsAborted.WithLabelValues(EndWarmupFailed).Inc()
			s.log.Error("warm-up failed", "error", err)
			s.end(EndWarmupFailed)
		}
		s.terminate()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("warm-up: %w", err)
	}

	s.loop(ctx)
	s.terminate()
	return nil
}

// seed installs the profile and the system entry of the transcript.
func (s *Session) seed(p *profile.Profile) error {
	exec, err := actions.ForProfile(p)
	if err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	system, err := prompts.System(p, s.info.From, exec.Fields(), time.Now())
	if err != nil {
		return fmt.Errorf("system prompt: %w", err)
	}

	var tracer *trace.Tracer
	if s.cfg.NewTracer != nil {
		tracer = s.cfg.NewTracer(trace.Call{
			ID:        s.info.CallID,
			StreamID:  s.info.StreamID,
			Caller:    s.info.From,
			Callee:    s.info.To,
			StartedAt: s.startedAt,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	s.exec = exec
	s.tracer = tracer
	s.transcript = []llm.Message{{Role: llm.RoleSystem, Content: system, At: time.Now()}}
	return nil
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.turns:
			s.turnIn(ctx, text)
		case err := <-s.sttErr:
			s.log.Warn("recognizer failed, reconnecting", "error", err)
			if rerr := s.dialRecognizer(ctx); rerr != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("recognizer reconnect failed", "error", rerr)
				metrics.CallsAborted.WithLabelValues(EndSTTLost).Inc()
				s.end(EndSTTLost)
				return
			}
		}
	}
}

// Feed forwards one inbound audio frame to the recognizer. It never blocks,
// and frames keep flowing while the session is speaking.
func (s *Session) Feed(frame []byte) {
	metrics.AudioFrames.Inc()
	s.mu.Lock()
	rec := s.recognizer
	s.mu.Unlock()
	if rec == nil {
		return
	}
	rec.SendAudio(frame)
}

// Stop is the transport's call-stopped signal.
func (s *Session) Stop() { s.end(EndCallerHangup) }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// State is the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Speaking reports the turn-taking flag.
func (s *Session) Speaking() bool { return s.speaking.Load() }

// Transcript returns a copy of the model-facing conversation.
func (s *Session) Transcript() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// Display returns a copy of the caller/agent lines the caller heard.
func (s *Session) Display() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.display)
}

// Record returns the fields collected so far.
func (s *Session) Record() actions.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Usage returns the reasoning calls made so far.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage
	u.Entries = slices.Clone(u.Entries)
	return u
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage
	u.Entries = slices.Clone(u.Entries)
	return Snapshot{
		Start:      s.info,
		Profile:    s.profile,
		StartedAt:  s.startedAt,
		EndedAt:    time.Now(),
		Transcript: slices.Clone(s.transcript),
		Display:    slices.Clone(s.display),
		Collected:  s.record.Map(),
		Usage:      u,
		EndReason:  s.endReason,
	}
}

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return false
	}
	s.log.Debug("state", "from", s.state.String(), "to", to.String())
	s.state = to
	return true
}

// end records the first end reason and cancels the session.
func (s *Session) end(reason string) {
	s.mu.Lock()
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// scheduleEnd hangs up after the grace delay so the last line finishes.
func (s *Session) scheduleEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTimer != nil {
		return
	}
	s.log.Info("end of call requested", "grace", s.cfg.EndCallGrace)
	s.endTimer = time.AfterFunc(s.cfg.EndCallGrace, func() { s.end(EndAgent) })
}

// terminate tears everything down. Failures are logged, never returned.
func (s *Session) terminate() {
	s.setState(Terminating)
	s.cancel()

	s.mu.Lock()
	if s.endTimer != nil {
		s.endTimer.Stop()
	}
	if s.endReason == "" {
		s.endReason = EndShutdown
	}
	rec, syn, tracer := s.recognizer, s.synth, s.tracer
	s.recognizer = nil
	reason := s.endReason
	s.mu.Unlock()

	if rec != nil {
		if err := rec.Close(); err != nil {
			s.log.Warn("close recognizer", "error", err)
		}
	}
	if syn != nil {
		if err := syn.Close(); err != nil {
			s.log.Warn("close synthesizer", "error", err)
		}
	}
	if err := s.out.Close(); err != nil {
		s.log.Debug("close transport", "error", err)
	}
	tracer.Close(reason)

	snap := s.Snapshot()
	if s.cfg.Finalizer != nil {
		s.cfg.Finalizer.Finalize(snap)
	}
	s.setState(Closed)
	s.log.Info("call ended", "reason", reason, "duration", snap.EndedAt.Sub(snap.StartedAt).Round(time.Millisecond),
		"lines", len(snap.Display), "reasoning_calls", snap.Usage.Calls, "cost_usd", snap.Usage.CostUSD)
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, profile.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, profile.ErrInactive):
		return "inactive"
	case errors.Is(err, context.Canceled):
		return EndShutdown
	}
	return "lookup_error"
}
