package correlation

import (
	"aegis-correlate/internal/schema"
)

// Predicate decides whether a signal contradicts an incident's narrative.
// Predicates are content rules, registered per category.
type Predicate func(sig *schema.Signal) bool

// Detector inspects signals already resolved to an existing incident and
// decides between accumulation and decay. A contradicting signal never
// creates an incident and never contributes positive weight.
type Detector struct {
	byCategory map[schema.Category]Predicate
}

// NewDetector creates a detector with the default category rules: an
// agent-health signal reporting healthy, or any payload carrying a benign
// verdict, contradicts.
func NewDetector() *Detector {
	d := &Detector{byCategory: make(map[schema.Category]Predicate)}
	d.Register(schema.CategoryAgentHealth, func(sig *schema.Signal) bool {
		return schema.DerivePolarity(sig) == schema.PolarityContradicting
	})
	return d
}

// Register installs a contradiction predicate for a category, replacing any
// existing one. Must be called before the engine starts; the detector is
// read-only at runtime.
func (d *Detector) Register(cat schema.Category, p Predicate) {
	d.byCategory[cat] = p
}

// Contradicts reports whether the signal undermines the incident narrative.
// The upstream-derived polarity always counts; category predicates can catch
// contradictions the ingester did not classify.
func (d *Detector) Contradicts(sig *schema.Signal) bool {
	if sig.Polarity == schema.PolarityContradicting {
		return true
	}
	if p, ok := d.byCategory[sig.Category]; ok {
		return p(sig)
	}
	return false
}
