// Package stt is the speech-recognition gateway: a streaming Deepgram
// connection turned into a channel of finalized utterances.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// ErrClosed is returned by operations on a closed gateway.
var ErrClosed = errors.New("stt: gateway closed")

// Config holds connection settings shared by every call.
type Config struct {
	APIKey   string
	URL      string // wss://api.deepgram.com/v1/listen
	Model    string
	Language string
	// Endpointing is the silence Deepgram waits before speech_final.
	Endpointing time.Duration
	// FlushAfter flushes pending final segments when no end-of-utterance
	// signal arrives within this window.
	FlushAfter time.Duration
	// KeepAlive is the interval of KeepAlive messages while no audio flows.
	KeepAlive time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "wss://api.deepgram.com/v1/listen"
	}
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Endpointing <= 0 {
		c.Endpointing = 300 * time.Millisecond
	}
	if c.FlushAfter <= 0 {
		c.FlushAfter = time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 5 * time.Second
	}
	return c
}

func (c Config) endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("stt url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("channels", "1")
	q.Set("model", c.Model)
	q.Set("language", c.Language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(int(c.Endpointing/time.Millisecond)))
	q.Set("utterance_end_ms", strconv.Itoa(int(max(c.FlushAfter, time.Second)/time.Millisecond)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Gateway owns one recognition connection for one call.
type Gateway struct {
	cfg     Config
	conn    *websocket.Conn
	onError func(error)

	audio      chan []byte
	utterances chan string
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	dropped    atomic.Int64

	mu       sync.Mutex
	segments []string
	timer    *time.Timer

	// closeMu guards closing utterances against a concurrent flush.
	closeMu sync.RWMutex
	closed  bool
}

// Dial opens the recognition stream. onError receives asynchronous connection
// failures; it may be nil.
func Dial(ctx context.Context, cfg Config, onError func(error)) (*Gateway, error) {
	cfg = cfg.withDefaults()
	endpoint, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+cfg.APIKey)

	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "dial").Inc()
		return nil, fmt.Errorf("stt dial: %w", err)
	}
	metrics.StageDuration.WithLabelValues("stt_connect").Observe(time.Since(start).Seconds())

	if onError == nil {
		onError = func(error) {}
	}
	g := &Gateway{
		cfg:        cfg,
		conn:       conn,
		onError:    onError,
		audio:      make(chan []byte, 256),
		utterances: make(chan string, 8),
		done:       make(chan struct{}),
	}
	g.wg.Add(2)
	go g.writeLoop()
	go g.readLoop()
	return g, nil
}

// Utterances yields one joined transcript per detected pause. It is closed
// when the gateway shuts down.
func (g *Gateway) Utterances() <-chan string { return g.utterances }

// SendAudio queues one mu-law frame. It never blocks: frames are dropped when
// the gateway is closed or the send buffer is full.
func (g *Gateway) SendAudio(frame []byte) {
	select {
	case <-g.done:
		metrics.AudioFramesDropped.Inc()
		return
	default:
	}
	select {
	case g.audio <- frame:
	default:
		metrics.AudioFramesDropped.Inc()
	}
}

// Close ends the stream and waits for the loops to exit.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
		err = g.conn.Close()
		g.mu.Lock()
		if g.timer != nil {
			g.timer.Stop()
		}
		g.mu.Unlock()
		g.closeMu.Lock()
		g.closed = true
		close(g.utterances)
		g.closeMu.Unlock()
	})
	return err
}

func (g *Gateway) writeLoop() {
	defer g.wg.Done()
	keepAlive := time.NewTicker(g.cfg.KeepAlive)
	defer keepAlive.Stop()
	lastAudio := time.Now()

	for {
		select {
		case <-g.done:
			g.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			// Unblock readLoop.
			g.conn.SetReadDeadline(time.Now())
			return
		case frame := <-g.audio:
			if err := g.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				g.fail(fmt.Errorf("stt write: %w", err))
				return
			}
			lastAudio = time.Now()
		case <-keepAlive.C:
			if time.Since(lastAudio) < g.cfg.KeepAlive {
				continue
			}
			if err := g.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				g.fail(fmt.Errorf("stt keepalive: %w", err))
				return
			}
		}
	}
}

func (g *Gateway) readLoop() {
	defer g.wg.Done()
	for {
		_, msg, err := g.conn.ReadMessage()
		if err != nil {
			g.fail(fmt.Errorf("stt read: %w", err))
			return
		}
		g.handle(msg)
	}
}

func (g *Gateway) fail(err error) {
	select {
	case <-g.done:
		return
	default:
	}
	metrics.Errors.WithLabelValues("stt", "connection").Inc()
	slog.Warn("stt connection error", "error", err)
	g.onError(err)
}

func (g *Gateway) handle(msg []byte) {
	switch gjson.GetBytes(msg, "type").String() {
	case "Results":
		transcript := strings.TrimSpace(gjson.GetBytes(msg, "channel.alternatives.0.transcript").String())
		isFinal := gjson.GetBytes(msg, "is_final").Bool()
		speechFinal := gjson.GetBytes(msg, "speech_final").Bool()
		g.onResult(transcript, isFinal, speechFinal)
	case "UtteranceEnd":
		g.flush()
	case "Error":
		g.fail(fmt.Errorf("stt upstream: %s", gjson.GetBytes(msg, "description").String()))
	}
}

func (g *Gateway) onResult(transcript string, isFinal, speechFinal bool) {
	g.mu.Lock()
	if isFinal && transcript != "" {
		g.segments = append(g.segments, transcript)
	}
	pending := len(g.segments) > 0
	// Any speech, interim or final, pushes the fallback flush out.
	if pending && (transcript != "" || isFinal) {
		g.armLocked()
	}
	g.mu.Unlock()

	if speechFinal {
		g.flush()
	}
}

func (g *Gateway) armLocked() {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.cfg.FlushAfter, g.flush)
}

func (g *Gateway) flush() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	text := strings.Join(g.segments, " ")
	g.segments = nil
	g.mu.Unlock()

	if text == "" {
		return
	}
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if g.closed {
		return
	}
	g.deliver(text)
}

// deliver never blocks the socket reader. When the consumer has fallen behind
// the oldest queued utterance makes room for the newest.
func (g *Gateway) deliver(text string) {
	for {
		select {
		case <-g.done:
			return
		case g.utterances <- text:
			return
		default:
		}
		select {
		case stale := <-g.utterances:
			g.dropped.Add(1)
			metrics.UtterancesDropped.Inc()
			slog.Warn("recognizer backlog, dropping stale utterance", "chars", len(stale))
		default:
		}
	}
}
