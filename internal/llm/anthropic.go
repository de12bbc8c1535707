package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// Anthropic calls the Messages API directly over HTTP.
type Anthropic struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewAnthropic(apiKey, url, model string, client *http.Client) *Anthropic {
	if url == "" {
		url = "https://api.anthropic.com"
	}
	return &Anthropic{apiKey: apiKey, url: strings.TrimRight(url, "/"), model: model, client: client}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	system, msgs := toAnthropicMessages(req.Messages, len(req.Actions) > 0)
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  msgs,
		Tools:     toAnthropicTools(req.Actions),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, a.statusError(resp.StatusCode, errBody)
	}

	var out anthropicResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProviderError{Provider: a.Name(), Kind: KindServerError, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}

	r := &Response{Usage: Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens}}
	var text strings.Builder
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			r.Actions = append(r.Actions, ActionCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	r.Content = text.String()
	return r, nil
}

func (a *Anthropic) statusError(status int, body []byte) *ProviderError {
	var env struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &env)

	kind := kindForStatus(status)
	switch {
	case env.Error.Type == "overloaded_error":
		kind = KindOverloaded
	case env.Error.Type == "rate_limit_error":
		kind = KindRateLimited
	case status == http.StatusBadRequest && strings.HasPrefix(env.Error.Message, "tools."):
		kind = KindToolSchema
	}

	msg := env.Error.Message
	if msg == "" {
		msg = string(body)
	}
	return &ProviderError{Provider: a.Name(), Kind: kind, Status: status, Err: errors.New(msg)}
}

// toAnthropicMessages lifts system entries into the system field and merges
// consecutive same-role entries, which the API requires. Without tools on the
// request the API rejects tool_use and tool_result blocks, so earlier action
// calls and their results are rendered as text instead.
func toAnthropicMessages(msgs []Message, withTools bool) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage

	push := func(role string, blocks ...anthropicBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			push("user", anthropicBlock{Type: "text", Text: m.Content})
		case RoleAction:
			if !withTools {
				push("user", anthropicBlock{Type: "text", Text: fmt.Sprintf("(%s result: %s)", m.ActionName, m.Content)})
				continue
			}
			push("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ActionID, Content: m.Content})
		case RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, c := range m.Actions {
				input := c.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				if !withTools {
					blocks = append(blocks, anthropicBlock{Type: "text", Text: fmt.Sprintf("(called %s with %s)", c.Name, input)})
					continue
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: c.ID, Name: c.Name, Input: input})
			}
			if len(blocks) > 0 {
				push("assistant", blocks...)
			}
		}
	}
	return strings.Join(system, "\n\n"), out
}

func toAnthropicTools(actions []Action) []anthropicTool {
	if len(actions) == 0 {
		return nil
	}
	tools := make([]anthropicTool, len(actions))
	for i, a := range actions {
		tools[i] = anthropicTool{Name: a.Name, Description: a.Description, InputSchema: schemaMap(a.Parameters)}
	}
	return tools
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}
