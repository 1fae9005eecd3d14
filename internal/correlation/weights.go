// Package correlation implements the aggregation engine: confidence
// accumulation, stage progression, contradiction decay, and the coordinator
// loop that turns validated signals into incidents.
package correlation

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"aegis-correlate/internal/schema"
)

// WeightTable is the single source of truth for how much each kind of
// evidence matters. It is a pure lookup: loaded once at startup, never
// mutated at runtime.
type WeightTable struct {
	weights map[schema.Category]float64
}

// DefaultWeights returns the default category weights.
func DefaultWeights() map[schema.Category]float64 {
	return map[schema.Category]float64{
		schema.CategoryProcessActivity:    15.0,
		schema.CategoryFileActivity:       15.0,
		schema.CategoryNetworkIntent:      12.0,
		schema.CategoryDPIFlow:            20.0,
		schema.CategoryDNSQuery:           8.0,
		schema.CategoryDeception:          25.0,
		schema.CategoryAISignal:           18.0,
		schema.CategoryCorrelationPattern: 10.0,
		schema.CategoryAgentHealth:        5.0,
	}
}

// NewWeightTable builds a weight table from an explicit category→weight map.
// Every weight must be positive and finite, and every category must be known.
func NewWeightTable(weights map[schema.Category]float64) (*WeightTable, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("weights: table is empty")
	}
	for cat, w := range weights {
		if !cat.IsValid() {
			return nil, fmt.Errorf("weights: unknown category %q", cat)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			return nil, fmt.Errorf("weights: invalid weight %v for category %s", w, cat)
		}
	}
	cp := make(map[schema.Category]float64, len(weights))
	for cat, w := range weights {
		cp[cat] = w
	}
	return &WeightTable{weights: cp}, nil
}

// DefaultWeightTable builds a table from the default weights.
func DefaultWeightTable() *WeightTable {
	wt, err := NewWeightTable(DefaultWeights())
	if err != nil {
		panic(err) // defaults are statically valid
	}
	return wt
}

// LoadWeightTable reads a category→weight YAML mapping from a file and
// overlays it on the defaults, so a partial file only overrides the listed
// categories.
func LoadWeightTable(path string) (*WeightTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("weights: failed to read %s: %w", path, err)
	}

	var raw map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("weights: failed to parse %s: %w", path, err)
	}

	merged := DefaultWeights()
	for name, w := range raw {
		merged[schema.Category(name)] = w
	}
	return NewWeightTable(merged)
}

// Weight returns the contribution weight for a category. Unknown categories
// are a data contract violation surfaced as an error, never a silent default.
func (t *WeightTable) Weight(cat schema.Category) (float64, error) {
	w, ok := t.weights[cat]
	if !ok {
		return 0, fmt.Errorf("weights: no weight for category %q", cat)
	}
	return w, nil
}
