package tokens

import (
	"sort"
	"strings"
)

// Price is the cost per 1,000 tokens.
type Price struct {
	Input  float64
	Output float64
}

// Cost is the priced amount of one exchange.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// FallbackPrice applies to models that match no table entry.
var FallbackPrice = Price{Input: 0.01, Output: 0.03}

// DefaultPrices keys prices by model name prefix.
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"claude-3-opus":      {Input: 0.015, Output: 0.075},
		"claude-3-sonnet":    {Input: 0.003, Output: 0.015},
		"claude-3-haiku":     {Input: 0.00025, Output: 0.00125},
		"claude-2.1":         {Input: 0.008, Output: 0.024},
		"claude-2.0":         {Input: 0.008, Output: 0.024},
		"claude-instant-1.2": {Input: 0.0008, Output: 0.0024},
		"gpt-4":              {Input: 0.03, Output: 0.06},
		"gpt-3.5-turbo":      {Input: 0.0015, Output: 0.002},
	}
}

// Pricing resolves a model to its price by longest matching prefix.
type Pricing struct {
	prefixes []string
	prices   map[string]Price
	fallback Price
}

// NewPricing layers overrides on top of DefaultPrices. A "default" key in
// overrides replaces FallbackPrice.
func NewPricing(overrides map[string]Price) *Pricing {
	prices := DefaultPrices()
	fallback := FallbackPrice
	for model, p := range overrides {
		model = strings.ToLower(strings.TrimSpace(model))
		if model == "default" {
			fallback = p
			continue
		}
		if model != "" {
			prices[model] = p
		}
	}

	prefixes := make([]string, 0, len(prices))
	for k := range prices {
		prefixes = append(prefixes, k)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	return &Pricing{prefixes: prefixes, prices: prices, fallback: fallback}
}

// PriceFor returns the price that applies to model.
func (p *Pricing) PriceFor(model string) Price {
	model = strings.ToLower(model)
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(model, prefix) {
			return p.prices[prefix]
		}
	}
	return p.fallback
}

// Cost prices a prompt/completion pair.
func (p *Pricing) Cost(model string, prompt, completion int64) Cost {
	price := p.PriceFor(model)
	c := Cost{
		Input:  float64(prompt) / 1000 * price.Input,
		Output: float64(completion) / 1000 * price.Output,
	}
	c.Total = c.Input + c.Output
	return c
}
