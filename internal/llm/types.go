// Package llm is the reasoning router: provider adapters normalized to one
// request/response shape, plus primary/fallback routing with cost accounting.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleAction carries the result of an executed action back to the model.
	RoleAction Role = "action_result"
)

// Message is one entry in the model-facing transcript.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
	// Actions is set on assistant entries that requested actions.
	Actions []ActionCall `json:"actions,omitempty"`
	// ActionID and ActionName are set on RoleAction entries.
	ActionID   string `json:"action_id,omitempty"`
	ActionName string `json:"action_name,omitempty"`
}

// Action is a structured operation offered to the model. Parameters is a JSON
// Schema object.
type Action struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ActionCall is a model request to run an Action.
type ActionCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a full transcript plus the actions on offer this round. An empty
// Actions slice means the model must answer in text.
type Request struct {
	Messages  []Message
	Actions   []Action
	MaxTokens int
}

// Response is the canonical shape every adapter produces. Content and Actions
// may both be set.
type Response struct {
	Content string
	Actions []ActionCall
	Usage   Usage
}

// Provider is one reasoning backend. Adapters return *ProviderError for
// upstream failures so the router can classify them.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

func schemaMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

func argsMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}
