package scan

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kestrelsec/kestrel/pkg/config"
	"github.com/kestrelsec/kestrel/pkg/llms"
)

// costTracker accumulates token usage and estimated spend for one scan.
// When the optional budget is exhausted the loop stops routing to the
// deep model.
type costTracker struct {
	pricing   map[string]config.ModelPrice
	budgetUSD float64

	tokensIn  int
	tokensOut int
	totalUSD  float64
}

func newCostTracker(pricing map[string]config.ModelPrice, budgetUSD float64) *costTracker {
	return &costTracker{pricing: pricing, budgetUSD: budgetUSD}
}

// add records one completion and returns its estimated cost. Models
// absent from the pricing table cost zero.
func (t *costTracker) add(model string, tokensIn, tokensOut int) float64 {
	t.tokensIn += tokensIn
	t.tokensOut += tokensOut

	price, ok := t.pricing[model]
	if !ok {
		return 0
	}
	cost := float64(tokensIn)/1000*price.InputPer1K + float64(tokensOut)/1000*price.OutputPer1K
	t.totalUSD += cost
	return cost
}

// deepExhausted reports whether the budget cap blocks further deep
// calls. A zero budget means unlimited.
func (t *costTracker) deepExhausted() bool {
	return t.budgetUSD > 0 && t.totalUSD >= t.budgetUSD
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens approximates the token count of a prompt before it is
// sent, for pre-flight budget decisions. Falls back to a bytes/4
// heuristic when the encoding is unavailable (offline hosts).
func estimateTokens(messages []llms.Message) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	total := 0
	for _, msg := range messages {
		text := msg.Content + msg.ArgumentsJSON
		if encoding != nil {
			total += len(encoding.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
		total += 4
	}
	return total
}
