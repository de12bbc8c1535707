package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Gemini adapts the Gemini API through the genai SDK.
type Gemini struct {
	model  string
	client *genai.Client
}

// NewGemini builds an adapter. baseURL overrides the API endpoint when set.
func NewGemini(ctx context.Context, apiKey, baseURL, model string, httpClient *http.Client) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{model: model, client: client}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	system, contents := toGeminiContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Actions) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Actions))
		for i, a := range req.Actions {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 a.Name,
				Description:          a.Description,
				ParametersJsonSchema: schemaMap(a.Parameters),
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	out, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, g.classify(err)
	}
	if len(out.Candidates) == 0 || out.Candidates[0].Content == nil {
		return nil, &ProviderError{Provider: g.Name(), Kind: KindServerError, Err: errors.New("no candidates")}
	}

	resp := &Response{}
	if out.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(out.UsageMetadata.PromptTokenCount),
			OutputTokens: int(out.UsageMetadata.CandidatesTokenCount),
		}
	}
	var text strings.Builder
	for i, part := range out.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text.WriteString(part.Text)
		if fc := part.FunctionCall; fc != nil {
			args, _ := json.Marshal(fc.Args)
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", fc.Name, i)
			}
			resp.Actions = append(resp.Actions, ActionCall{ID: id, Name: fc.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (g *Gemini) classify(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return transportError(g.Name(), err)
	}
	kind := kindForStatus(apiErr.Code)
	switch {
	case apiErr.Status == "RESOURCE_EXHAUSTED":
		kind = KindRateLimited
	case apiErr.Status == "INVALID_ARGUMENT" && strings.Contains(apiErr.Message, "function_declarations"):
		kind = KindToolSchema
	}
	return &ProviderError{Provider: g.Name(), Kind: kind, Status: apiErr.Code, Err: errors.New(apiErr.Message)}
}

// toGeminiContents maps the transcript to Gemini's user/model turns. Action
// results travel as function responses on the user side.
func toGeminiContents(msgs []Message) (string, []*genai.Content) {
	var system []string
	var out []*genai.Content

	push := func(role string, parts ...*genai.Part) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			push("user", &genai.Part{Text: m.Content})
		case RoleAction:
			result := map[string]any{}
			if json.Unmarshal([]byte(m.Content), &result) != nil {
				result = map[string]any{"output": m.Content}
			}
			push("user", &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ActionID,
				Name:     m.ActionName,
				Response: result,
			}})
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, c := range m.Actions {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   c.ID,
					Name: c.Name,
					Args: argsMap(c.Arguments),
				}})
			}
			if len(parts) > 0 {
				push("model", parts...)
			}
		}
	}
	return strings.Join(system, "\n\n"), out
}
