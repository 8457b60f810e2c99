// Package pricing estimates the downstream model cost attached to stage
// completion events.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of mid 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	"gemini-2.5-flash":  {0.075, 0.30},
	"gemini-1.5-pro":    {1.25, 5.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
}

// stageModels maps a pipeline role to the model its stage would call.
// Unknown roles fall back to the default model.
var stageModels = map[string]string{
	"ProductManager": "gpt-4o-mini",
	"Architect":      "gpt-4o-mini",
	"Engineer":       "gpt-4o",
	"Debugger":       "gpt-4o",
	"Editor":         "gpt-4o-mini",
}

const defaultModel = "gpt-4o-mini"

// EstimateTokens returns a word-based token estimate with a character-count
// floor for code and non-English content.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// StageCost estimates the cost of one stage invocation from its input and
// output text, using the model assigned to the role.
func StageCost(role, input, output string) float64 {
	model, ok := stageModels[role]
	if !ok {
		model = defaultModel
	}
	return EstimateCost(model, EstimateTokens(input), EstimateTokens(output))
}
