package agent

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// Pricing is keyed by model-name substring; longest match wins. Unknown
// models fall back to a conservative mid-tier price so budget enforcement
// never sees zero cost.
var pricing = map[string]modelPrice{
	"claude-opus":      {input: 15.0, output: 75.0},
	"claude-sonnet":    {input: 3.0, output: 15.0},
	"claude-3-5-haiku": {input: 0.8, output: 4.0},
	"gemini-2.5-pro":   {input: 1.25, output: 10.0},
	"gemini-2.5-flash": {input: 0.30, output: 2.50},
	"gpt-4o":           {input: 2.5, output: 10.0},
}

var fallbackPrice = modelPrice{input: 3.0, output: 15.0}

// EstimateTokens gives a rough token count for budgeting. English text runs
// about four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// EstimateCost estimates the USD cost of an invocation from token counts.
func EstimateCost(model string, tokensIn, tokensOut int) float64 {
	price := fallbackPrice
	bestLen := 0
	for key, p := range pricing {
		if strings.Contains(model, key) && len(key) > bestLen {
			price = p
			bestLen = len(key)
		}
	}
	return float64(tokensIn)/1e6*price.input + float64(tokensOut)/1e6*price.output
}
