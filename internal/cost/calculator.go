// Package cost prices external API usage and accumulates it per run.
package cost

import "github.com/sells-group/incentive-matcher/internal/config"

// Provider names used in rate lookups.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic      map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI         map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
	GeocodePerCall float64              `yaml:"geocode_per_call" mapstructure:"geocode_per_call"`
}

// ModelRate holds per-model token pricing (per million tokens). Embedding
// models only use Input.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// LLM computes the cost of one completion. Unknown models cost 0.
func (c *Calculator) LLM(provider, model string, input, output int64) float64 {
	rate, ok := c.modelRate(provider, model)
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Embedding computes the cost of embedding tokens with an OpenAI model.
// Local embedding servers have no rate and cost 0.
func (c *Calculator) Embedding(model string, tokens int64) float64 {
	rate, ok := c.rates.OpenAI[model]
	if !ok {
		return 0
	}
	return (float64(tokens) / 1e6) * rate.Input
}

// Geocode returns the cost of n Places calls.
func (c *Calculator) Geocode(n int64) float64 {
	return float64(n) * c.rates.GeocodePerCall
}

func (c *Calculator) modelRate(provider, model string) (ModelRate, bool) {
	switch provider {
	case ProviderAnthropic:
		r, ok := c.rates.Anthropic[model]
		return r, ok
	case ProviderOpenAI:
		r, ok := c.rates.OpenAI[model]
		return r, ok
	default:
		return ModelRate{}, false
	}
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		OpenAI: map[string]ModelRate{
			"gpt-5-mini":             {Input: 0.25, Output: 2.00},
			"gpt-4o-mini":            {Input: 0.15, Output: 0.60},
			"text-embedding-3-small": {Input: 0.02},
			"text-embedding-3-large": {Input: 0.13},
		},
		GeocodePerCall: 0.032,
	}
}

// RatesFromConfig overlays configured prices on the defaults.
func RatesFromConfig(p config.PricingConfig) Rates {
	r := DefaultRates()
	for m, v := range p.Anthropic {
		r.Anthropic[m] = ModelRate{Input: v.Input, Output: v.Output}
	}
	for m, v := range p.OpenAI {
		r.OpenAI[m] = ModelRate{Input: v.Input, Output: v.Output}
	}
	if p.GeocodePerCall > 0 {
		r.GeocodePerCall = p.GeocodePerCall
	}
	return r
}
