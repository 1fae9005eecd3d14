// Package store defines the durable incident model and the persistence
// contract the correlation engine writes through. All mutation for one
// signal happens in a single atomic operation against one implementation.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"aegis-correlate/internal/schema"
)

// Stage is the coarse severity classification of an incident. Stages only
// move forward: SUSPICIOUS < PROBABLE < CONFIRMED.
type Stage string

const (
	StageSuspicious Stage = "SUSPICIOUS"
	StageProbable   Stage = "PROBABLE"
	StageConfirmed  Stage = "CONFIRMED"
)

// Rank returns the position of the stage in the forward-only order.
// Unknown stages rank below SUSPICIOUS.
func (s Stage) Rank() int {
	switch s {
	case StageSuspicious:
		return 1
	case StageProbable:
		return 2
	case StageConfirmed:
		return 3
	}
	return 0
}

// IsValid checks if the stage is a valid value.
func (s Stage) IsValid() bool {
	return s.Rank() > 0
}

// MaxStage returns the higher of two stages under the forward-only order.
func MaxStage(a, b Stage) Stage {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Incident is the durable aggregation of correlated signals for one entity.
type Incident struct {
	ID              uuid.UUID `json:"incident_id"`
	DedupKey        string    `json:"dedup_key"`
	Stage           Stage     `json:"stage"`
	Confidence      float64   `json:"confidence"`
	FirstObservedAt time.Time `json:"first_observed_at"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
	EvidenceCount   uint64    `json:"evidence_count"`
}

// Evidence is one signal's immutable contribution to an incident.
// WeightApplied is the signed delta actually applied: positive for
// accumulation, negative for contradiction decay.
type Evidence struct {
	ID            uuid.UUID       `json:"evidence_id"`
	IncidentID    uuid.UUID       `json:"incident_id"`
	SourceEventID string          `json:"source_event_id"`
	Category      schema.Category `json:"category"`
	WeightApplied float64         `json:"weight_applied"`
	AddedAt       time.Time       `json:"added_at"`
}

// ApplyResult reports whether evidence was applied or had already been
// applied for the same source event.
type ApplyResult int

const (
	// Applied means the evidence was recorded and the incident updated.
	Applied ApplyResult = iota
	// AlreadyApplied means the source event was seen before for this
	// incident; nothing changed. This is a success, not an error.
	AlreadyApplied
)

// String returns the result name.
func (r ApplyResult) String() string {
	if r == AlreadyApplied {
		return "already_applied"
	}
	return "applied"
}

// EvidenceUpdate carries the full outcome of processing one signal against
// an existing incident: the evidence row plus the resulting incident fields,
// persisted together in one transaction.
type EvidenceUpdate struct {
	Evidence            Evidence
	ResultingConfidence float64
	ResultingStage      Stage
	ObservedAt          time.Time
}

// IncidentStore is the persistence boundary for incidents and evidence.
//
// FindOpen returns the open incident for a dedup key, where "open" means its
// last update falls within the store's dedup window relative to now.
// Create atomically creates a new incident with its founding evidence and
// fails with ErrDedupConflict if an open incident for the key already exists.
// ApplyEvidence atomically appends evidence and updates the owning incident,
// returning AlreadyApplied when the source event was recorded before.
type IncidentStore interface {
	FindOpen(ctx context.Context, dedupKey string, now time.Time) (*Incident, error)
	Create(ctx context.Context, inc *Incident, founding Evidence) error
	ApplyEvidence(ctx context.Context, incidentID uuid.UUID, upd EvidenceUpdate) (ApplyResult, error)

	// Get returns an incident by ID.
	Get(ctx context.Context, incidentID uuid.UUID) (*Incident, error)
	// ListEvidence returns all evidence for an incident ordered by insertion.
	ListEvidence(ctx context.Context, incidentID uuid.UUID) ([]Evidence, error)
	// SweepDormant drops dedup index entries whose incident fell outside the
	// window before now, and reports how many were dropped. Incidents and
	// evidence are never deleted.
	SweepDormant(ctx context.Context, now time.Time) (int, error)

	Close() error
}
