package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

const summaryInstructions = `You summarize phone calls for a small business owner.
Write two or three plain sentences: who called, what they need, and any agreed next step.
Do not invent details that are not in the transcript.`

// AgentSummarizer writes call summaries with a one-turn agent run.
type AgentSummarizer struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentSummarizer uses an OpenAI-compatible chat completions endpoint.
// baseURL may be empty for the default.
func NewAgentSummarizer(apiKey, baseURL, model string) *AgentSummarizer {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return &AgentSummarizer{
		provider:  agents.NewOpenAIProvider(params),
		model:     model,
		maxTokens: 200,
	}
}

func (s *AgentSummarizer) Summarize(ctx context.Context, r Record) (string, error) {
	if len(r.Transcript) == 0 {
		return "", nil
	}
	agent := agents.New("call-summarizer").
		WithInstructions(summaryInstructions).
		WithModel(s.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(s.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   s.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}
	result, err := runner.Run(ctx, agent, summaryInput(r))
	if err != nil {
		return "", fmt.Errorf("summary: %w", err)
	}
	return strings.TrimSpace(fmt.Sprint(result.FinalOutput)), nil
}

// summaryInput renders the record as the agent's input text.
func summaryInput(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Business: %s\nCaller: %s\nDuration: %.0f seconds\n", r.Business, r.From, r.DurationSeconds)
	if len(r.Collected) > 0 {
		keys := make([]string, 0, len(r.Collected))
		for k := range r.Collected {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Collected:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", strings.ReplaceAll(k, "_", " "), r.Collected[k])
		}
	}
	b.WriteString("Transcript:\n")
	for _, l := range r.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", l.Speaker, l.Text)
	}
	return b.String()
}
