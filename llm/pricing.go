package llm

// Pricing is the cost per million tokens for a model.
type Pricing struct {
	InputPerMTok  float64 `json:"inputPerMTok" yaml:"inputPerMTok"`
	OutputPerMTok float64 `json:"outputPerMTok" yaml:"outputPerMTok"`
}

// modelPricing holds known per-model rates. Unknown models fall back to
// defaultPricing so budget accounting stays conservative rather than free.
var modelPricing = map[string]Pricing{
	"claude-sonnet-4-20250514": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-3-5":         {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gpt-4o":                   {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":              {InputPerMTok: 0.15, OutputPerMTok: 0.60},
}

var defaultPricing = Pricing{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// PricingFor returns the rates for a model.
func PricingFor(model string) Pricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	return defaultPricing
}

// SetPricing overrides or adds rates for a model. Call during setup, before
// requests flow.
func SetPricing(model string, p Pricing) {
	modelPricing[model] = p
}

// Cost computes the dollar cost of a completed call.
func Cost(model string, usage TokenUsage) float64 {
	p := PricingFor(model)
	return float64(usage.PromptTokens)*p.InputPerMTok/1e6 +
		float64(usage.CompletionTokens)*p.OutputPerMTok/1e6
}

// EstimateCost predicts the cost of a call before it is made, for the budget
// gate. Prompt tokens are approximated at four characters per token; the
// completion is assumed to use the full maxTokens allowance.
func EstimateCost(model string, messages []Message, maxTokens int) float64 {
	var promptChars int
	for _, msg := range messages {
		promptChars += len(msg.Content)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	p := PricingFor(model)
	promptTokens := promptChars / 4
	return float64(promptTokens)*p.InputPerMTok/1e6 +
		float64(maxTokens)*p.OutputPerMTok/1e6
}
