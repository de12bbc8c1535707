package ws

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Twilio Media Streams event names.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)

// inbound is any message Twilio sends on a media stream.
type inbound struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Start     *startFrame  `json:"start,omitempty"`
	Media     *mediaFrame  `json:"media,omitempty"`
	Mark      *markPayload `json:"mark,omitempty"`
	Stop      *stopFrame   `json:"stop,omitempty"`
}

type startFrame struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type mediaFrame struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopFrame struct {
	CallSid string `json:"callSid"`
}

// outbound is a message sent back to Twilio.
type outbound struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     *mediaFrame  `json:"media,omitempty"`
	Mark      *markPayload `json:"mark,omitempty"`
}

func parseInbound(data []byte) (*inbound, error) {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode twilio message: %w", err)
	}
	if m.Event == eventStart && m.Start == nil {
		return nil, fmt.Errorf("start event without start payload")
	}
	return &m, nil
}

// audio returns the decoded mu-law payload of an inbound media message.
// Outbound-track echoes are ignored.
func (m *inbound) audio() ([]byte, error) {
	if m.Media == nil || (m.Media.Track != "" && m.Media.Track != "inbound") {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return b, nil
}

func mediaMessage(streamSid string, frame []byte) outbound {
	return outbound{
		Event:     eventMedia,
		StreamSid: streamSid,
		Media:     &mediaFrame{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
}
