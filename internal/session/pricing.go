package session

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/pkg/types"
)

//go:embed pricing.yaml
var pricingYAML []byte

// ModelPricing is USD per million tokens, per bucket.
type ModelPricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

// PricingTable maps model identifiers to pricing.
type PricingTable struct {
	Models  map[string]ModelPricing `yaml:"models"`
	Default ModelPricing            `yaml:"default"`
}

// DefaultPricing parses the embedded pricing table.
func DefaultPricing() *PricingTable {
	var t PricingTable
	if err := yaml.Unmarshal(pricingYAML, &t); err != nil {
		// The embedded table is validated by tests; an unparseable table is
		// a build defect, not a runtime condition.
		panic("session: invalid embedded pricing table: " + err.Error())
	}
	return &t
}

// Cost computes the USD cost of the given cumulative usage for a model.
// Model ids are matched by prefix so dated releases resolve to their family.
func (t *PricingTable) Cost(usage types.TokenUsage, model string) float64 {
	p := t.Default
	if mp, ok := t.Models[model]; ok {
		p = mp
	} else {
		for id, mp := range t.Models {
			if strings.HasPrefix(model, id) || strings.HasPrefix(id, model) {
				p = mp
				break
			}
		}
	}
	const mtok = 1_000_000
	return float64(usage.Input)*p.Input/mtok +
		float64(usage.Output)*p.Output/mtok +
		float64(usage.CacheRead)*p.CacheRead/mtok +
		float64(usage.CacheCreation)*p.CacheWrite/mtok
}
