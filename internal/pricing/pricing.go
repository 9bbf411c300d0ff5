// Package pricing estimates USD cost for agent backends that report token
// usage but not cost.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing. Dated model ids resolve through their family prefix.
var knownModels = map[string]ModelPricing{
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-opus-4-1":   {15.00, 75.00},
	"claude-opus-4":     {15.00, 75.00},
	"gemini-2.5-flash":  {0.30, 2.50},
	"gemini-2.5-pro":    {1.25, 10.00},
}

// Lookup returns pricing for model, accepting provider prefixes
// ("anthropic/claude-sonnet-4-5") and dated suffixes ("claude-sonnet-4-5-20250929").
func Lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if p, ok := knownModels[name]; ok {
		return p, true
	}
	best := ""
	for known := range knownModels {
		if strings.HasPrefix(name, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// MaxOutputTokens converts a per-call cost ceiling into an output token cap
// for a prompt of promptTokens. It returns fallback when the model is unknown
// or the ceiling is disabled, and never less than 1.
func MaxOutputTokens(model string, promptTokens int, ceilingUSD float64, fallback int) int {
	p, ok := Lookup(model)
	if !ok || ceilingUSD <= 0 || p.CompletionPer1M <= 0 {
		return fallback
	}
	remaining := ceilingUSD - (float64(promptTokens)/1_000_000)*p.PromptPer1M
	if remaining <= 0 {
		return 1
	}
	n := int(remaining / p.CompletionPer1M * 1_000_000)
	if fallback > 0 && n > fallback {
		return fallback
	}
	if n < 1 {
		return 1
	}
	return n
}
