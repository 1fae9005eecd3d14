package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory IncidentStore with the same semantics as the
// bolt-backed store. Used by tests and by ephemeral single-run mode where
// durability across restarts is not needed.
type MemoryStore struct {
	mu       sync.Mutex
	window   time.Duration
	incident map[uuid.UUID]*Incident
	dedup    map[string]uuid.UUID
	evidence map[uuid.UUID][]Evidence
	seen     map[uuid.UUID]map[string]struct{}
	closed   bool
}

// NewMemoryStore creates an in-memory store with the given dedup window.
func NewMemoryStore(window time.Duration) *MemoryStore {
	return &MemoryStore{
		window:   window,
		incident: make(map[uuid.UUID]*Incident),
		dedup:    make(map[string]uuid.UUID),
		evidence: make(map[uuid.UUID][]Evidence),
		seen:     make(map[uuid.UUID]map[string]struct{}),
	}
}

// Window returns the configured dedup window.
func (s *MemoryStore) Window() time.Duration {
	return s.window
}

// FindOpen returns the open incident for a dedup key.
func (s *MemoryStore) FindOpen(ctx context.Context, dedupKey string, now time.Time) (*Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("FindOpen", dedupKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, NewStoreError("FindOpen", dedupKey, ErrClosed)
	}

	id, ok := s.dedup[dedupKey]
	if !ok {
		return nil, NewStoreError("FindOpen", dedupKey, ErrNotFound)
	}
	inc, ok := s.incident[id]
	if !ok || now.Sub(inc.LastUpdatedAt) > s.window {
		return nil, NewStoreError("FindOpen", dedupKey, ErrNotFound)
	}

	cp := *inc
	return &cp, nil
}

// Create atomically creates an incident with its founding evidence.
func (s *MemoryStore) Create(ctx context.Context, inc *Incident, founding Evidence) error {
	if err := ctx.Err(); err != nil {
		return NewStoreError("Create", inc.DedupKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewStoreError("Create", inc.DedupKey, ErrClosed)
	}

	if prevID, ok := s.dedup[inc.DedupKey]; ok {
		if prev, ok := s.incident[prevID]; ok {
			if inc.LastUpdatedAt.Sub(prev.LastUpdatedAt) <= s.window {
				return NewStoreError("Create", inc.DedupKey, ErrDedupConflict)
			}
		}
	}

	cp := *inc
	s.incident[inc.ID] = &cp
	s.dedup[inc.DedupKey] = inc.ID
	s.evidence[inc.ID] = append(s.evidence[inc.ID], founding)
	s.seen[inc.ID] = map[string]struct{}{founding.SourceEventID: {}}
	return nil
}

// ApplyEvidence atomically appends evidence and updates the owning incident.
func (s *MemoryStore) ApplyEvidence(ctx context.Context, incidentID uuid.UUID, upd EvidenceUpdate) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return Applied, NewStoreError("ApplyEvidence", incidentID.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Applied, NewStoreError("ApplyEvidence", incidentID.String(), ErrClosed)
	}

	inc, ok := s.incident[incidentID]
	if !ok {
		return Applied, NewStoreError("ApplyEvidence", incidentID.String(), ErrNotFound)
	}

	if _, dup := s.seen[incidentID][upd.Evidence.SourceEventID]; dup {
		return AlreadyApplied, nil
	}

	inc.Confidence = upd.ResultingConfidence
	inc.Stage = MaxStage(inc.Stage, upd.ResultingStage)
	inc.EvidenceCount++
	if upd.ObservedAt.After(inc.LastUpdatedAt) {
		inc.LastUpdatedAt = upd.ObservedAt
	}

	s.evidence[incidentID] = append(s.evidence[incidentID], upd.Evidence)
	s.seen[incidentID][upd.Evidence.SourceEventID] = struct{}{}
	return Applied, nil
}

// Get returns an incident by ID.
func (s *MemoryStore) Get(ctx context.Context, incidentID uuid.UUID) (*Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("Get", incidentID.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incident[incidentID]
	if !ok {
		return nil, NewStoreError("Get", incidentID.String(), ErrNotFound)
	}
	cp := *inc
	return &cp, nil
}

// ListEvidence returns all evidence for an incident in insertion order.
func (s *MemoryStore) ListEvidence(ctx context.Context, incidentID uuid.UUID) ([]Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("ListEvidence", incidentID.String(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Evidence, len(s.evidence[incidentID]))
	copy(out, s.evidence[incidentID])
	return out, nil
}

// SweepDormant drops dedup entries for incidents outside the window.
func (s *MemoryStore) SweepDormant(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStoreError("SweepDormant", "", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, id := range s.dedup {
		inc, ok := s.incident[id]
		if !ok || now.Sub(inc.LastUpdatedAt) > s.window {
			delete(s.dedup, key)
			dropped++
		}
	}
	return dropped, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
