package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-agent/internal/audio"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("ws: connection closed")

const writeWait = 5 * time.Second

// Conn is the outbound half of a Twilio media stream. It implements
// call.Output. Writes are serialized.
type Conn struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSid string
	closed    bool
}

func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) setStream(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamSid = sid
}

// SendAudio writes mu-law audio as 20 ms media messages.
func (c *Conn) SendAudio(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, frame := range audio.Frames(b) {
		if err := c.writeLocked(mediaMessage(c.streamSid, frame)); err != nil {
			return err
		}
	}
	return nil
}

// Clear tells Twilio to discard audio it has buffered but not played.
func (c *Conn) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(outbound{Event: eventClear, StreamSid: c.streamSid})
}

// Mark asks Twilio to echo name back once playback reaches this point.
func (c *Conn) Mark(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(outbound{Event: eventMark, StreamSid: c.streamSid, Mark: &markPayload{Name: name}})
}

// Close sends a close frame and drops the socket. It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Conn) writeLocked(v outbound) error {
	if c.closed {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
