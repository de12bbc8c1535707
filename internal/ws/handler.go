// Package ws terminates Twilio Media Streams and drives one call session per
// socket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/call"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// closeWait is how long a finished stream waits for the peer's close reply.
const closeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds what every call session shares.
type HandlerConfig struct {
	Session       call.Config
	MaxConcurrent int
	// BaseContext is cancelled on server shutdown. Nil means never.
	BaseContext context.Context
}

// Handler manages media-stream sockets with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs the call. Returns 503 at
// capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.CallsActive.Inc()
	defer metrics.CallsActive.Dec()

	h.runStream(conn)
}

// runStream pumps inbound messages into the session. Media is handed over
// without waiting on turn processing.
func (h *Handler) runStream(conn *websocket.Conn) {
	out := NewConn(conn)
	var sess *call.Session
	log := slog.Default()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("media stream closed", "error", err)
			break
		}
		msg, err := parseInbound(data)
		if err != nil {
			log.Warn("bad media stream message", "error", err)
			continue
		}

		switch msg.Event {
		case eventConnected:
			log.Debug("media stream connected")
		case eventStart:
			if sess != nil {
				continue
			}
			info := startInfo(msg)
			log = log.With("call_id", info.CallID, "stream_id", info.StreamID)
			out.setStream(info.StreamID)
			sess = call.New(h.cfg.Session, info, out)
			go func() {
				if err := sess.Run(h.cfg.BaseContext); err != nil {
					log.Warn("call not started", "error", err)
				}
				// The close frame is out; give the peer a moment to answer it.
				conn.SetReadDeadline(time.Now().Add(closeWait))
			}()
		case eventMedia:
			if sess == nil {
				continue
			}
			frame, err := msg.audio()
			if err != nil {
				metrics.AudioFramesDropped.Inc()
				continue
			}
			if len(frame) > 0 {
				sess.Feed(frame)
			}
		case eventMark:
			if msg.Mark != nil {
				log.Debug("playback reached mark", "mark", msg.Mark.Name)
			}
		case eventStop:
			log.Info("media stream stopped")
			if sess != nil {
				sess.Stop()
			}
			out.Close()
		}
	}

	if sess != nil {
		sess.Stop()
		<-sess.Done()
	}
}

// Wait blocks until every accepted stream has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startInfo(m *inbound) call.Start {
	st := m.Start
	info := call.Start{
		CallID:   st.CallSid,
		StreamID: st.StreamSid,
		From:     st.CustomParameters["from"],
		To:       st.CustomParameters["to"],
	}
	if info.StreamID == "" {
		info.StreamID = m.StreamSid
	}
	if info.CallID == "" {
		info.CallID = uuid.NewString()
	}
	return info
}
