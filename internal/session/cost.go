package session

import (
	"strings"

	"github.com/fyrsmithlabs/lmassist/internal/config"
)

const tokensPerMillion = 1_000_000.0

// CostCalculator computes session cost from accumulated token counts and a
// configured rate table. Rates are configuration, not code: provider pricing
// drifts.
type CostCalculator struct {
	rates map[string]config.ModelRate
}

// NewCostCalculator creates a calculator from a rate table keyed by model
// name or model-name prefix.
func NewCostCalculator(rates map[string]config.ModelRate) *CostCalculator {
	if rates == nil {
		rates = config.DefaultCostRates()
	}
	return &CostCalculator{rates: rates}
}

// Cost returns the USD cost for usage under the given model. Models are
// matched exactly first, then by the longest table key that prefixes the
// model name (dated releases like "claude-sonnet-4-20250514" match
// "claude-sonnet-4"). Unknown models cost zero.
func (c *CostCalculator) Cost(model string, usage *Usage) float64 {
	if usage == nil || model == "" {
		return 0
	}
	rate, ok := c.lookup(model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/tokensPerMillion*rate.Input +
		float64(usage.OutputTokens)/tokensPerMillion*rate.Output +
		float64(usage.CacheReadInputTokens)/tokensPerMillion*rate.CacheRead +
		float64(usage.CacheCreationInputTokens)/tokensPerMillion*rate.CacheWrite
}

func (c *CostCalculator) lookup(model string) (config.ModelRate, bool) {
	if rate, ok := c.rates[model]; ok {
		return rate, true
	}
	bestLen := 0
	var best config.ModelRate
	for key, rate := range c.rates {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			bestLen = len(key)
			best = rate
		}
	}
	return best, bestLen > 0
}
