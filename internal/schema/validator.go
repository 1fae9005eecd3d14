package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator checks inbound signals against the canonical schema and derives
// polarity from category-specific content rules. Signals that fail here are
// data contract violations and never reach the accumulation logic.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	return &Validator{
		validate:  validator.New(),
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates a signal against the canonical schema and fills in the
// derived polarity. Returns an error if validation fails.
func (v *Validator) Validate(sig *Signal) error {
	if err := v.validate.Struct(sig); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if !sig.Category.IsValid() {
		return fmt.Errorf("unknown category: %q", sig.Category)
	}

	if !sig.Polarity.IsValid() {
		return fmt.Errorf("invalid polarity: %q", sig.Polarity)
	}

	now := time.Now().UTC()

	if sig.ObservedAt.IsZero() {
		return fmt.Errorf("observed_at is required")
	}

	if sig.ObservedAt.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("observed_at too old: %v (max age: %v)", sig.ObservedAt, v.maxAge)
	}

	if sig.ObservedAt.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("observed_at in future: %v (max future: %v)", sig.ObservedAt, v.maxFuture)
	}

	if sig.Entity.HostID == "" {
		return fmt.Errorf("entity.host_id is required")
	}

	if sig.Polarity == "" {
		sig.Polarity = DerivePolarity(sig)
	}

	return nil
}

// DerivePolarity applies the category-specific content rules that classify a
// signal as corroborating or contradicting. An agent-health signal reporting
// HEALTHY, or any payload carrying an explicitly benign verdict, undermines
// an incident narrative; everything else corroborates.
func DerivePolarity(sig *Signal) Polarity {
	if sig.Category == CategoryAgentHealth {
		if payloadIs(sig.Payload, "status", "HEALTHY", "OK") {
			return PolarityContradicting
		}
	}
	if payloadIs(sig.Payload, "threat_level", "BENIGN", "CLEAN") {
		return PolarityContradicting
	}
	if payloadIs(sig.Payload, "verdict", "BENIGN", "CLEAN") {
		return PolarityContradicting
	}
	return PolarityCorroborating
}

// payloadIs reports whether the payload field equals one of the given values,
// case-insensitively.
func payloadIs(payload map[string]any, field string, values ...string) bool {
	if payload == nil {
		return false
	}
	raw, ok := payload[field]
	if !ok {
		return false
	}
	s, ok := raw.(string)
	if !ok {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
