// Package providers holds per-model pricing used to estimate and settle enrichment cost.
package providers

// TokenType selects which per-token rate applies.
type TokenType int

const (
	TokenInput TokenType = iota
	TokenOutput
	// TokenCachedInput is a prompt-cache read. Tables without a cached rate bill it as input.
	TokenCachedInput
)

// ModelPricing is the USD rate card for one model, per million tokens.
type ModelPricing struct {
	Model                 string  `yaml:"model"`
	InputPerMillion       float64 `yaml:"input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million,omitempty"`
}

// ProviderConfig is one pricing file. Updated records when the rates were last checked.
type ProviderConfig struct {
	Provider string         `yaml:"provider"`
	Updated  string         `yaml:"updated"`
	Models   []ModelPricing `yaml:"models"`
}

// Provider prices the tokens of one enrichment vendor.
type Provider interface {
	Name() string
	Models() []ModelPricing
	// PricePerToken returns the USD price of a single token.
	PricePerToken(model string, tokenType TokenType) (float64, error)
	SupportsModel(model string) bool
}
