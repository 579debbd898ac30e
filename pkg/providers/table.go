package providers

import "fmt"

// Table is a Provider backed by a static pricing table.
type Table struct {
	config *ProviderConfig
	models map[string]ModelPricing
}

// NewTable creates a provider from a pricing config.
func NewTable(cfg *ProviderConfig) *Table {
	m := make(map[string]ModelPricing, len(cfg.Models))
	for _, model := range cfg.Models {
		m[model.Model] = model
	}
	return &Table{config: cfg, models: m}
}

func (t *Table) Name() string { return t.config.Provider }

func (t *Table) Models() []ModelPricing {
	return t.config.Models
}

func (t *Table) PricePerToken(model string, tokenType TokenType) (float64, error) {
	pricing, ok := t.models[model]
	if !ok {
		return 0, fmt.Errorf("%s: unknown model %q", t.config.Provider, model)
	}

	switch tokenType {
	case TokenInput:
		return pricing.InputPerMillion / 1_000_000, nil
	case TokenOutput:
		return pricing.OutputPerMillion / 1_000_000, nil
	case TokenCachedInput:
		if pricing.CachedInputPerMillion > 0 {
			return pricing.CachedInputPerMillion / 1_000_000, nil
		}
		return pricing.InputPerMillion / 1_000_000, nil
	default:
		return 0, fmt.Errorf("%s: unknown token type %d", t.config.Provider, tokenType)
	}
}

func (t *Table) SupportsModel(model string) bool {
	_, ok := t.models[model]
	return ok
}
