package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/llm"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/profile"
	"github.com/hubenschmidt/voice-agent/internal/tts"
)

type fakeLookup struct {
	profiles map[string]*profile.Profile
	err      error
}

func (f *fakeLookup) Lookup(_ context.Context, number string) (*profile.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[number]
	if !ok {
		return nil, profile.ErrNotConfigured
	}
	return p, nil
}

type fakeRecognizer struct {
	utterances chan string
	frames     atomic.Int64
	closeOnce  sync.Once
	closed     atomic.Bool
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{utterances: make(chan string)}
}

func (r *fakeRecognizer) Utterances() <-chan string { return r.utterances }
func (r *fakeRecognizer) SendAudio([]byte)          { r.frames.Add(1) }
func (r *fakeRecognizer) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.utterances)
	})
	return nil
}

// say delivers an utterance as the recognizer would.
func (r *fakeRecognizer) say(t *testing.T, text string) {
	t.Helper()
	select {
	case r.utterances <- text:
	case <-time.After(time.Second):
		t.Fatalf("utterance %q not consumed", text)
	}
}

// speakFunc scripts one Speak call. attempt counts calls for the same text.
type speakFunc func(text string, attempt int) []tts.Chunk

type fakeSynth struct {
	mu         sync.Mutex
	texts      []string
	attempts   map[string]int
	script     speakFunc
	gate       chan struct{} // when set, Speak waits on it
	idle       time.Duration
	reconnects int
	closed     bool

	// onSpeak runs at the start of every Speak.
	onSpeak func()
	// busy is set while a stream is open.
	busy atomic.Bool
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{attempts: map[string]int{}}
}

var chunk = []byte{1, 2, 3, 4, 5, 6, 7, 8}

func (f *fakeSynth) Speak(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.attempts[text]++
	attempt := f.attempts[text]
	script, gate, onSpeak := f.script, f.gate, f.onSpeak
	f.mu.Unlock()

	if onSpeak != nil {
		onSpeak()
	}
	f.busy.Store(true)
	chunks := []tts.Chunk{{Audio: chunk}}
	if script != nil {
		chunks = script(text, attempt)
	}
	ch := make(chan tts.Chunk, len(chunks))
	go func() {
		defer close(ch)
		defer f.busy.Store(false)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- tts.Chunk{Err: ctx.Err()}
				return
			}
		}
		for _, c := range chunks {
			ch <- c
		}
	}()
	return ch, nil
}

func (f *fakeSynth) IdleFor() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeSynth) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	f.idle = 0
	return nil
}

func (f *fakeSynth) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *fakeSynth) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSynth) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type reasonFunc func(req llm.Request) (*llm.Result, error)

type fakeReasoner struct {
	mu       sync.Mutex
	requests []llm.Request
	script   []reasonFunc
	// busy is set while Complete runs.
	busy   atomic.Bool
	onCall func()
}

func (f *fakeReasoner) Complete(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.busy.Store(true)
	defer f.busy.Store(false)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var next reasonFunc
	if len(f.script) > 0 {
		next, f.script = f.script[0], f.script[1:]
	}
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if next == nil {
		return text("Okay.")(req)
	}
	return next(req)
}

func (f *fakeReasoner) push(fns ...reasonFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fns...)
}

func (f *fakeReasoner) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func text(s string) reasonFunc {
	return func(llm.Request) (*llm.Result, error) {
		return &llm.Result{Response: llm.Response{Content: s}, Provider: "fake"}, nil
	}
}

func action(name, args string) reasonFunc {
	return func(llm.Request) (*llm.Result, error) {
		return &llm.Result{
			Response: llm.Response{Actions: []llm.ActionCall{{ID: "call_1", Name: name, Arguments: []byte(args)}}},
			Provider: "fake",
		}, nil
	}
}

func fail(err error) reasonFunc {
	return func(llm.Request) (*llm.Result, error) { return nil, err }
}

type fakeOutput struct {
	mu     sync.Mutex
	audio  [][]byte
	clears int
	closed bool
}

func (o *fakeOutput) SendAudio(b []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("closed")
	}
	o.audio = append(o.audio, append([]byte(nil), b...))
	return nil
}

func (o *fakeOutput) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
	o.audio = append(o.audio, nil) // marks the clear point
	return nil
}

func (o *fakeOutput) Mark(string) error { return nil }

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOutput) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type fakeFinalizer struct{ snaps chan Snapshot }

func (f *fakeFinalizer) Finalize(s Snapshot) { f.snaps <- s }

// harness wires a session to fakes.
type harness struct {
	t        *testing.T
	sess     *Session
	lookup   *fakeLookup
	rec      *fakeRecognizer
	synth    *fakeSynth
	reasoner *fakeReasoner
	out      *fakeOutput
	final    *fakeFinalizer
	runErr   chan error

	sttDials atomic.Int32
	dialSTT  func() (Recognizer, error)
}

const callee = "+15550100000"

func testProfile() *profile.Profile {
	return &profile.Profile{
		ID:           "acme",
		Number:       callee,
		BusinessName: "Acme Plumbing",
		Industry:     "plumbing",
		Greeting:     "Thanks for calling {business}!",
		GreetingMode: profile.GreetingTemplate,
		VoiceID:      "voice-1",
		CallType:     profile.CallProduction,
		Active:       true,
	}
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	metrics.Totals.Reset()
	h := &harness{
		t:        t,
		lookup:   &fakeLookup{profiles: map[string]*profile.Profile{callee: testProfile()}},
		rec:      newFakeRecognizer(),
		synth:    newFakeSynth(),
		reasoner: &fakeReasoner{},
		out:      &fakeOutput{},
		final:    &fakeFinalizer{snaps: make(chan Snapshot, 1)},
		runErr:   make(chan error, 1),
	}
	cfg := Config{
		Profiles: h.lookup,
		Reasoner: h.reasoner,
		DialSTT: func(context.Context, func(error)) (Recognizer, error) {
			h.sttDials.Add(1)
			if h.dialSTT != nil {
				return h.dialSTT()
			}
			return h.rec, nil
		},
		DialTTS: func(context.Context, string) (Synthesizer, error) {
			return h.synth, nil
		},
		Finalizer:      h.final,
		PlaybackMargin: time.Millisecond,
		EndCallGrace:   20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.sess = New(cfg, Start{CallID: "CA1", StreamID: "MZ1", From: "+15550199999", To: callee}, h.out)
	return h
}

func (h *harness) run() {
	go func() { h.runErr <- h.sess.Run(context.Background()) }()
}

// listening runs the session and waits for the greeting to finish.
func (h *harness) listening() {
	h.t.Helper()
	h.run()
	h.waitState(Listening)
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.sess.State() == want }, "state "+want.String())
}

func (h *harness) finalized() Snapshot {
	h.t.Helper()
	select {
	case s := <-h.final.snaps:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("session never finalized")
		return Snapshot{}
	}
}

func (h *harness) stop() {
	h.t.Helper()
	h.sess.Stop()
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
