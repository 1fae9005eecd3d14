// Package schema defines the canonical telemetry signal and its validation
// rules. Every upstream sensor product normalizes into this one shape before
// correlation.
package schema

import "time"

// SchemaVersionCurrent is the current signal schema version.
const SchemaVersionCurrent = "1.0.0"

// Category identifies the sensor family a signal originates from.
type Category string

// Signal categories.
const (
	CategoryProcessActivity    Category = "PROCESS_ACTIVITY"
	CategoryFileActivity       Category = "FILE_ACTIVITY"
	CategoryNetworkIntent      Category = "NETWORK_INTENT"
	CategoryDPIFlow            Category = "DPI_FLOW"
	CategoryDNSQuery           Category = "DNS_QUERY"
	CategoryDeception          Category = "DECEPTION"
	CategoryAISignal           Category = "AI_SIGNAL"
	CategoryCorrelationPattern Category = "CORRELATION_PATTERN"
	CategoryAgentHealth        Category = "AGENT_HEALTH"
)

// Categories returns all known signal categories.
func Categories() []Category {
	return []Category{
		CategoryProcessActivity,
		CategoryFileActivity,
		CategoryNetworkIntent,
		CategoryDPIFlow,
		CategoryDNSQuery,
		CategoryDeception,
		CategoryAISignal,
		CategoryCorrelationPattern,
		CategoryAgentHealth,
	}
}

// IsValid reports whether the category is known.
func (c Category) IsValid() bool {
	switch c {
	case CategoryProcessActivity, CategoryFileActivity, CategoryNetworkIntent,
		CategoryDPIFlow, CategoryDNSQuery, CategoryDeception,
		CategoryAISignal, CategoryCorrelationPattern, CategoryAgentHealth:
		return true
	}
	return false
}

// Polarity marks whether a signal supports or undermines an incident
// narrative.
type Polarity string

const (
	PolarityCorroborating Polarity = "CORROBORATING"
	PolarityContradicting Polarity = "CONTRADICTING"
)

// IsValid reports whether the polarity is known. Empty is allowed on intake;
// the validator derives it.
func (p Polarity) IsValid() bool {
	switch p {
	case "", PolarityCorroborating, PolarityContradicting:
		return true
	}
	return false
}

// NetworkTuple carries the network coordinates of a signal, when present.
// It enriches evidence but never participates in the dedup key.
type NetworkTuple struct {
	SourceIP   string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	SourcePort uint16 `json:"source_port,omitempty"`
	DestIP     string `json:"dest_ip,omitempty" validate:"omitempty,ip"`
	DestPort   uint16 `json:"dest_port,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
}

// EntityRef identifies the logical entity a signal is about.
type EntityRef struct {
	HostID    string        `json:"host_id" validate:"required"`
	ProcessID string        `json:"process_id,omitempty"`
	Network   *NetworkTuple `json:"network,omitempty"`
}

// Signal is one normalized telemetry observation.
type Signal struct {
	// SourceEventID is the producer-assigned unique event ID. It is the
	// idempotency token: applying the same ID to an incident twice is a
	// no-op.
	SourceEventID string `json:"source_event_id" validate:"required"`

	Entity   EntityRef `json:"entity"`
	Category Category  `json:"category" validate:"required"`

	// ObservedAt is when the sensor observed the behavior, not when the
	// signal arrived.
	ObservedAt time.Time `json:"observed_at"`

	// Polarity may be set by the producer; when empty it is derived from
	// category and payload content.
	Polarity Polarity `json:"polarity,omitempty"`

	// Sequence is the producer-local monotonic sequence number, carried for
	// diagnostics.
	Sequence int64 `json:"sequence,omitempty"`

	SchemaVersion string         `json:"schema_version,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}
