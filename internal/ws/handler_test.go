package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/call"
	"github.com/hubenschmidt/voice-agent/internal/llm"
	"github.com/hubenschmidt/voice-agent/internal/profile"
	"github.com/hubenschmidt/voice-agent/internal/tts"
)

type stubLookup struct{}

func (stubLookup) Lookup(_ context.Context, number string) (*profile.Profile, error) {
	if number != "+15550100000" {
		return nil, profile.ErrNotConfigured
	}
	return &profile.Profile{ID: "acme", BusinessName: "Acme", Greeting: "Hello from {business}.", Active: true}, nil
}

type stubRecognizer struct {
	frames atomic.Int64
	ch     chan string
}

func (r *stubRecognizer) Utterances() <-chan string { return r.ch }
func (r *stubRecognizer) SendAudio([]byte)          { r.frames.Add(1) }
func (r *stubRecognizer) Close() error              { return nil }

type stubSynth struct{}

func (stubSynth) Speak(context.Context, string) (<-chan tts.Chunk, error) {
	ch := make(chan tts.Chunk, 1)
	ch <- tts.Chunk{Audio: make([]byte, 400)}
	close(ch)
	return ch, nil
}
func (stubSynth) IdleFor() time.Duration          { return 0 }
func (stubSynth) Reconnect(context.Context) error { return nil }
func (stubSynth) Close() error                    { return nil }

type stubReasoner struct{}

func (stubReasoner) Complete(context.Context, llm.Request) (*llm.Result, error) {
	return &llm.Result{Response: llm.Response{Content: "Okay."}}, nil
}

type captureFinalizer struct{ snaps chan call.Snapshot }

func (f captureFinalizer) Finalize(s call.Snapshot) { f.snaps <- s }

func newTestServer(t *testing.T, maxConc int) (*httptest.Server, *stubRecognizer, chan call.Snapshot) {
	t.Helper()
	rec := &stubRecognizer{ch: make(chan string)}
	snaps := make(chan call.Snapshot, 4)
	h := NewHandler(HandlerConfig{
		MaxConcurrent: maxConc,
		Session: call.Config{
			Profiles: stubLookup{},
			Reasoner: stubReasoner{},
			DialSTT: func(context.Context, func(error)) (call.Recognizer, error) {
				return rec, nil
			},
			DialTTS: func(context.Context, string) (call.Synthesizer, error) {
				return stubSynth{}, nil
			},
			Finalizer:      captureFinalizer{snaps},
			PlaybackMargin: time.Millisecond,
		},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, rec, snaps
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

const startMsg = `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1",
"tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},
"customParameters":{"from":"+15550199999","to":"+15550100000"}}}`

func mediaMsg(frame []byte) string {
	return `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"` +
		base64.StdEncoding.EncodeToString(frame) + `"}}`
}

func TestStreamLifecycle(t *testing.T) {
	srv, rec, snaps := newTestServer(t, 10)
	conn := dialStream(t, srv)

	send(t, conn, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	send(t, conn, startMsg)

	// The 400-byte greeting arrives as three 20 ms media frames, then a mark.
	var sizes []int
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(sizes) < 3 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m outbound
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.StreamSid != "MZ1" {
			t.Errorf("streamSid = %q", m.StreamSid)
		}
		if m.Event != eventMedia {
			continue
		}
		b, _ := base64.StdEncoding.DecodeString(m.Media.Payload)
		sizes = append(sizes, len(b))
	}
	if sizes[0] != 160 || sizes[1] != 160 || sizes[2] != 80 {
		t.Errorf("frame sizes = %v", sizes)
	}

	for range 5 {
		send(t, conn, mediaMsg(make([]byte, 160)))
	}
	deadline := time.Now().Add(time.Second)
	for rec.frames.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := rec.frames.Load(); n != 5 {
		t.Errorf("recognizer got %d frames, want 5", n)
	}

	send(t, conn, `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)
	select {
	case s := <-snaps:
		if s.CallID != "CA1" || s.From != "+15550199999" || s.To != "+15550100000" {
			t.Errorf("snapshot identity = %+v", s.Start)
		}
		if s.EndReason != call.EndCallerHangup {
			t.Errorf("end reason = %q", s.EndReason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never finalized")
	}
}

func TestUnconfiguredNumberClosesStream(t *testing.T) {
	srv, _, snaps := newTestServer(t, 10)
	conn := dialStream(t, srv)
	send(t, conn, strings.Replace(startMsg, `"to":"+15550100000"`, `"to":"+15550000000"`, 1))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("close err = %v, want normal closure", err)
			}
			break
		}
	}
	select {
	case <-snaps:
		t.Error("unconfigured call finalized")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAtCapacity(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)
	dialStream(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		t.Fatal("second stream admitted over capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("resp = %v, want 503", resp)
	}
}

func TestVoiceHandler(t *testing.T) {
	form := url.Values{"From": {"+15550199999"}, "To": {"+15550100000"}, "CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()

	VoiceHandler("wss://voice.example.com/ws/twilio")(rr, req)

	body := rr.Body.String()
	for _, want := range []string{
		`<Connect><Stream url="wss://voice.example.com/ws/twilio">`,
		`<Parameter name="from" value="+15550199999"></Parameter>`,
		`<Parameter name="to" value="+15550100000"></Parameter>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("twiml missing %q:\n%s", want, body)
		}
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content type = %q", ct)
	}
}
