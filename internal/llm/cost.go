package llm

// Rate is a provider's price in USD per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultRates prices the models each provider is configured with by default.
var DefaultRates = map[string]Rate{
	"openai":    {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"anthropic": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gemini":    {InputPerMTok: 0.10, OutputPerMTok: 0.40},
}

// Cost prices usage at r.
func (r Rate) Cost(u Usage) float64 {
	return (float64(u.InputTokens)*r.InputPerMTok + float64(u.OutputTokens)*r.OutputPerMTok) / 1e6
}
