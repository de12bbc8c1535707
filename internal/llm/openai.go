package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAI adapts any chat-completions compatible endpoint.
type OpenAI struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAI builds an adapter. baseURL may be empty for api.openai.com. SDK
// retries are disabled; failover belongs to the Router.
func NewOpenAI(name, apiKey, baseURL, model string, httpClient *http.Client) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{name: name, model: model, client: openai.NewClient(opts...)}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, a := range req.Actions {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        a.Name,
			Description: openai.String(a.Description),
			Parameters:  shared.FunctionParameters(schemaMap(a.Parameters)),
		}))
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, o.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: o.name, Kind: KindServerError, Err: errors.New("no choices")}
	}

	msg := completion.Choices[0].Message
	resp := &Response{
		Content: msg.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		resp.Actions = append(resp.Actions, ActionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

func (o *OpenAI) classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return transportError(o.name, err)
	}
	kind := kindForStatus(apiErr.StatusCode)
	// OpenAI-compatible hosts report rejected tool output as "tool_use_failed"
	// and schema problems against the "tools" param.
	if apiErr.Code == "tool_use_failed" || strings.HasPrefix(apiErr.Param, "tools") {
		kind = KindToolSchema
	}
	return &ProviderError{
		Provider: o.name,
		Kind:     kind,
		Status:   apiErr.StatusCode,
		Err:      fmt.Errorf("%s", apiErr.Message),
	}
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAction:
			out = append(out, openai.ToolMessage(m.Content, m.ActionID))
		case RoleAssistant:
			if len(m.Actions) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, c := range m.Actions {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: c.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      c.Name,
							Arguments: string(c.Arguments),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}
