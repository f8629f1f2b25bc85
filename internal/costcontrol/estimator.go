// Package costcontrol normalizes heterogeneous token-usage shapes and
// computes per-turn dollar cost through a pluggable pricing lookup.
//
// DESIGN: Providers disagree on usage field names. Field precedence:
//
//	prompt:     promptTokens, then inputTokens
//	completion: completionTokens, then outputTokens
//	total:      totalTokens, read independently of the above
//
// When both prompt and completion are zero but a total exists, the total is
// split 70/30 prompt/completion. That split is a deliberate approximation for
// providers that report only a total; do not "fix" it into something more
// precise without product confirmation. When no usage is reported at all,
// token counts are estimated from raw text with tiktoken, which is also
// approximate and flagged as such.
package costcontrol

import (
	"encoding/json"
	"math"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// promptSplitRatio is the heuristic prompt share of a total-only usage report.
const promptSplitRatio = 0.7

var promptPaths = []string{"promptTokens", "inputTokens", "prompt_tokens", "input_tokens"}
var completionPaths = []string{"completionTokens", "outputTokens", "completion_tokens", "output_tokens"}
var totalPaths = []string{"totalTokens", "total_tokens"}

// NormalizeUsage reads a raw usage object (any provider shape) into
// UsageStats under the documented field precedence. A nil or empty input
// yields all zeros.
func NormalizeUsage(raw any) UsageStats {
	if raw == nil {
		return UsageStats{}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		log.Warn().Err(err).Msg("costcontrol: unreadable usage object")
		return UsageStats{}
	}
	body := gjson.ParseBytes(data)

	stats := UsageStats{
		PromptTokens:     firstInt(body, promptPaths),
		CompletionTokens: firstInt(body, completionPaths),
		TotalTokens:      firstInt(body, totalPaths),
	}

	if stats.TotalTokens == 0 {
		stats.TotalTokens = stats.PromptTokens + stats.CompletionTokens
	}
	return stats
}

// EstimateTurn computes the accounting for one completed turn.
// rawUsage may be nil (provider reported nothing); inputText and outputText
// feed the tiktoken fallback in that case.
func EstimateTurn(rawUsage any, provider, model string, lookup Lookup, inputText, outputText string) Estimate {
	stats := NormalizeUsage(rawUsage)
	approximate := false

	if stats.PromptTokens == 0 && stats.CompletionTokens == 0 && stats.TotalTokens > 0 {
		// Heuristic split: prompts dominate agent turns in practice.
		stats.PromptTokens = int(math.Round(float64(stats.TotalTokens) * promptSplitRatio))
		stats.CompletionTokens = stats.TotalTokens - stats.PromptTokens
		approximate = true
	}

	if stats.PromptTokens == 0 && stats.CompletionTokens == 0 {
		stats.PromptTokens = CountTokens(inputText)
		stats.CompletionTokens = CountTokens(outputText)
		approximate = stats.PromptTokens > 0 || stats.CompletionTokens > 0
	}

	cost := 0.0
	if lookup != nil {
		cost = lookup.CalculateCost(provider, model, stats.PromptTokens, stats.CompletionTokens)
	}

	return Estimate{
		PromptTokens:     stats.PromptTokens,
		CompletionTokens: stats.CompletionTokens,
		CostUSD:          cost,
		Approximate:      approximate,
	}
}

// CountTokens counts tokens in text with the cl100k_base encoding. When the
// encoder is unavailable (tiktoken fetches its BPE data on first use) it
// falls back to the rough 4-chars-per-token rule; counting is best-effort
// accounting, never a gate.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Debug().Err(err).Msg("costcontrol: tiktoken encoding unavailable")
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func firstInt(body gjson.Result, paths []string) int {
	for _, p := range paths {
		if v := body.Get(p); v.Exists() && v.Int() > 0 {
			return int(v.Int())
		}
	}
	return 0
}
