package tracker

import (
	"fmt"

	"github.com/ogulcanaydogan/costalert/pkg/providers"
	"github.com/ogulcanaydogan/costalert/pkg/tokenizer"
)

// CostCalculator prices enrichment calls from the pricing registry.
type CostCalculator struct {
	registry *providers.Registry
}

// NewCostCalculator creates a cost calculator backed by a provider registry.
func NewCostCalculator(registry *providers.Registry) *CostCalculator {
	return &CostCalculator{registry: registry}
}

// Calculate computes the USD cost of a completed call.
func (c *CostCalculator) Calculate(providerName, model string, inputTokens, cachedInputTokens, outputTokens int64) (float64, error) {
	p, err := c.registry.Get(providerName)
	if err != nil {
		return 0, fmt.Errorf("cost calculation: %w", err)
	}
	return CalculateCost(p, model, inputTokens, cachedInputTokens, outputTokens)
}

// Estimate projects the worst-case cost of a call before it is made: the prompt's
// counted input tokens plus maxOutputTokens of output.
func (c *CostCalculator) Estimate(providerName, model, system, prompt string, maxOutputTokens int64) (float64, int64, error) {
	inputTokens, err := tokenizer.CountPromptTokens(system, []string{prompt}, providerName, model)
	if err != nil {
		return 0, 0, fmt.Errorf("count prompt tokens: %w", err)
	}
	cost, err := c.Calculate(providerName, model, inputTokens, 0, maxOutputTokens)
	if err != nil {
		return 0, 0, err
	}
	return cost, inputTokens, nil
}

// CalculateCost computes the USD cost for a call using a provider directly.
// Cached input tokens are priced at the provider's cached rate.
func CalculateCost(p providers.Provider, model string, inputTokens, cachedInputTokens, outputTokens int64) (float64, error) {
	inputPrice, err := p.PricePerToken(model, providers.TokenInput)
	if err != nil {
		return 0, fmt.Errorf("input pricing: %w", err)
	}

	outputPrice, err := p.PricePerToken(model, providers.TokenOutput)
	if err != nil {
		return 0, fmt.Errorf("output pricing: %w", err)
	}

	cost := float64(inputTokens)*inputPrice + float64(outputTokens)*outputPrice
	if cachedInputTokens > 0 {
		cachedPrice, err := p.PricePerToken(model, providers.TokenCachedInput)
		if err != nil {
			return 0, fmt.Errorf("cached input pricing: %w", err)
		}
		cost += float64(cachedInputTokens) * cachedPrice
	}
	return cost, nil
}
