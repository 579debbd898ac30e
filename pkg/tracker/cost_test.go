package tracker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ogulcanaydogan/costalert/pkg/providers"
	"github.com/ogulcanaydogan/costalert/pkg/tracker"
)

func newTestRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	r := providers.NewRegistry()
	require.NoError(t, r.Register(providers.NewTable(&providers.ProviderConfig{
		Provider: "anthropic",
		Models: []providers.ModelPricing{
			{Model: "claude-test", InputPerMillion: 3.00, OutputPerMillion: 15.00, CachedInputPerMillion: 0.30},
		},
	})))
	return r
}

func TestCostCalculator_Calculate(t *testing.T) {
	calc := tracker.NewCostCalculator(newTestRegistry(t))

	cost, err := calc.Calculate("anthropic", "claude-test", 1_000_000, 0, 100_000)
	require.NoError(t, err)
	assert.InDelta(t, 3.0+1.5, cost, 1e-9)

	cached, err := calc.Calculate("anthropic", "claude-test", 0, 1_000_000, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.30, cached, 1e-9)

	_, err = calc.Calculate("openai", "gpt-4o", 1, 0, 1)
	assert.Error(t, err)

	_, err = calc.Calculate("anthropic", "unknown", 1, 0, 1)
	assert.Error(t, err)
}

func TestCostCalculator_EstimateIncludesMaxOutput(t *testing.T) {
	calc := tracker.NewCostCalculator(newTestRegistry(t))

	cost, inputTokens, err := calc.Estimate("anthropic", "claude-test", "You summarise cost alerts.", "compute rose by 40%", 500)
	require.NoError(t, err)
	assert.Greater(t, inputTokens, int64(0))

	minOutput := 500 * 15.0 / 1_000_000
	assert.Greater(t, cost, minOutput)
	assert.InDelta(t, float64(inputTokens)*3.0/1_000_000+minOutput, cost, 1e-12)
}
