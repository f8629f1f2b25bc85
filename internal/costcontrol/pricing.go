package costcontrol

import "strings"

// Lookup resolves a dollar cost for a (provider, model) pair. Unknown
// provider/model defaults are the lookup's responsibility; callers never
// special-case unknown models.
type Lookup interface {
	CalculateCost(provider, model string, promptTokens, completionTokens int) float64
}

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
}

// StaticLookup is the built-in pricing table. It tries an exact model match,
// then a family/prefix match (longest prefix wins), then a conservative
// default so unknown models never bill as free.
type StaticLookup struct{}

var modelPricingTable = map[string]ModelPricing{
	// Anthropic (dated)
	"claude-opus-4-6":            {InputPerMTok: 5, OutputPerMTok: 25},
	"claude-sonnet-4-5-20250929": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4-5-20251001":  {InputPerMTok: 1, OutputPerMTok: 5},
	"claude-3-5-sonnet-20241022": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-5-haiku-20241022":  {InputPerMTok: 1, OutputPerMTok: 5},

	// Anthropic short aliases
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5},

	// OpenAI
	"gpt-4o":                 {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-2024-11-20":      {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o-mini-2024-07-18": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
}

// defaultPricing is used for unknown models (conservative to prevent silent overspend).
var defaultPricing = ModelPricing{InputPerMTok: 15, OutputPerMTok: 75}

// modelFamilyPricing maps model family prefixes to pricing.
// Lookup is longest-prefix-first so e.g. "claude-opus" does not shadow
// "claude-opus-4-6" when the more specific family has different pricing.
var modelFamilyPricing = map[string]ModelPricing{
	"claude-opus-4-6":   {InputPerMTok: 5, OutputPerMTok: 25},
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5},
	"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-3-5-haiku":  {InputPerMTok: 1, OutputPerMTok: 5},

	"claude-opus":   {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku":  {InputPerMTok: 1, OutputPerMTok: 5},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4":         {InputPerMTok: 10, OutputPerMTok: 30},
}

// GetModelPricing returns pricing for a model.
// Tries exact match, then prefix/family match (longest prefix wins), then default.
func GetModelPricing(model string) ModelPricing {
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing
	}

	return defaultPricing
}

// CalculateCost implements Lookup. The provider argument exists so external
// lookups can key on it; the static table keys on model name alone since
// model names do not collide across the providers it covers.
func (StaticLookup) CalculateCost(provider, model string, promptTokens, completionTokens int) float64 {
	pricing := GetModelPricing(model)
	inputCost := float64(promptTokens) / 1_000_000 * pricing.InputPerMTok
	outputCost := float64(completionTokens) / 1_000_000 * pricing.OutputPerMTok
	return inputCost + outputCost
}
