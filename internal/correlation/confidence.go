package correlation

import (
	"fmt"
	"math"

	"aegis-correlate/internal/store"
)

// Thresholds holds the stage boundaries on the 0–100 confidence scale.
type Thresholds struct {
	Probable  float64 `yaml:"probable"`
	Confirmed float64 `yaml:"confirmed"`
}

// DefaultThresholds returns the default stage thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Probable: 30.0, Confirmed: 70.0}
}

// Validate checks threshold ordering and bounds.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Probable) || math.IsNaN(t.Confirmed) {
		return fmt.Errorf("thresholds: NaN threshold")
	}
	if t.Probable <= 0 || t.Confirmed > 100 {
		return fmt.Errorf("thresholds: must lie in (0, 100], got probable=%v confirmed=%v", t.Probable, t.Confirmed)
	}
	if t.Probable >= t.Confirmed {
		return fmt.Errorf("thresholds: probable (%v) must be below confirmed (%v)", t.Probable, t.Confirmed)
	}
	return nil
}

// Clamp bounds a confidence value to [0, 100].
func Clamp(c float64) float64 {
	return math.Min(math.Max(c, 0.0), 100.0)
}

// Accumulate adds a signal's weight to the current confidence, saturating at
// 100. Because weights are strictly positive, sequential clamping commutes
// with addition: any ordering of the same accumulations lands on
// clamp(Σwi, 0, 100). Interleaved decay breaks that equivalence; the
// multiplicative decay applies to whatever confidence is current.
func Accumulate(current, weight float64) (float64, error) {
	if math.IsNaN(weight) || math.IsInf(weight, 0) || weight <= 0 {
		return 0, fmt.Errorf("confidence: invalid weight %v", weight)
	}
	return Clamp(current + weight), nil
}

// Decay applies the contradiction decay to the current confidence.
func Decay(current, factor float64) (float64, error) {
	if math.IsNaN(factor) || factor < 0 || factor >= 1 {
		return 0, fmt.Errorf("confidence: invalid decay factor %v", factor)
	}
	return Clamp(current * (1.0 - factor)), nil
}

// StageFor maps a confidence value onto a stage.
func (t Thresholds) StageFor(confidence float64) store.Stage {
	switch {
	case confidence >= t.Confirmed:
		return store.StageConfirmed
	case confidence >= t.Probable:
		return store.StageProbable
	default:
		return store.StageSuspicious
	}
}

// Advance returns the stage an incident moves to given its stored stage and
// a new confidence value. Stages only ratchet forward: decay can lower
// confidence without lowering stage.
func (t Thresholds) Advance(stored store.Stage, confidence float64) store.Stage {
	return store.MaxStage(stored, t.StageFor(confidence))
}
