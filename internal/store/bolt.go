package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket layout: incidents holds incident records keyed by incident ID,
// dedup maps dedup key to the owning incident ID, and evidence holds one
// nested bucket per incident keyed by source event ID. The nested key is
// what enforces per-incident idempotency.
var (
	bucketIncidents = []byte("incidents")
	bucketDedup     = []byte("dedup")
	bucketEvidence  = []byte("evidence")
)

// BoltConfig holds configuration for the bbolt-backed incident store.
type BoltConfig struct {
	Path        string        `yaml:"path"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultBoltConfig returns the default bolt store configuration.
func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Path:        "data/incidents.db",
		DedupWindow: time.Hour,
		OpenTimeout: 5 * time.Second,
	}
}

// BoltStore is an IncidentStore backed by an embedded bbolt database. Every
// signal's writes (incident upsert, evidence insert, dedup index update) run
// in one bbolt transaction; a crash mid-update never leaves an incident whose
// evidence count disagrees with its confidence.
type BoltStore struct {
	db     *bolt.DB
	window time.Duration
}

// OpenBolt opens or creates the bolt-backed store at cfg.Path.
func OpenBolt(cfg BoltConfig) (*BoltStore, error) {
	if cfg.DedupWindow <= 0 {
		return nil, NewStoreError("Open", cfg.Path, fmt.Errorf("%w: dedup window must be positive", ErrInvalidData))
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, NewStoreError("Open", cfg.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketIncidents, bucketDedup, bucketEvidence} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, NewStoreError("Open", cfg.Path, err)
	}

	return &BoltStore{db: db, window: cfg.DedupWindow}, nil
}

// Window returns the configured dedup window.
func (s *BoltStore) Window() time.Duration {
	return s.window
}

// FindOpen returns the open incident for a dedup key, or ErrNotFound when no
// incident exists or the most recent one fell outside the dedup window.
func (s *BoltStore) FindOpen(ctx context.Context, dedupKey string, now time.Time) (*Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("FindOpen", dedupKey, err)
	}

	var inc *Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketDedup).Get([]byte(dedupKey))
		if idBytes == nil {
			return ErrNotFound
		}

		raw := tx.Bucket(bucketIncidents).Get(idBytes)
		if raw == nil {
			return ErrNotFound
		}

		var rec Incident
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: corrupt incident record: %v", ErrInvalidData, err)
		}

		if now.Sub(rec.LastUpdatedAt) > s.window {
			return ErrNotFound // dormant; a new signal starts a fresh incident
		}

		inc = &rec
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, NewStoreError("FindOpen", dedupKey, ErrNotFound)
		}
		return nil, NewStoreError("FindOpen", dedupKey, err)
	}
	return inc, nil
}

// Create atomically creates an incident with its founding evidence. Losing a
// creation race surfaces as ErrDedupConflict.
func (s *BoltStore) Create(ctx context.Context, inc *Incident, founding Evidence) error {
	if err := ctx.Err(); err != nil {
		return NewStoreError("Create", inc.DedupKey, err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		dedup := tx.Bucket(bucketDedup)

		// Unique open-incident constraint per dedup key.
		if existing := dedup.Get([]byte(inc.DedupKey)); existing != nil {
			raw := tx.Bucket(bucketIncidents).Get(existing)
			if raw != nil {
				var prev Incident
				if err := json.Unmarshal(raw, &prev); err != nil {
					return fmt.Errorf("%w: corrupt incident record: %v", ErrInvalidData, err)
				}
				if inc.LastUpdatedAt.Sub(prev.LastUpdatedAt) <= s.window {
					return ErrDedupConflict
				}
			}
		}

		if err := putIncident(tx, inc); err != nil {
			return err
		}
		if err := dedup.Put([]byte(inc.DedupKey), inc.ID[:]); err != nil {
			return err
		}
		return putEvidence(tx, inc.ID, founding)
	})
	if err != nil {
		if err == ErrDedupConflict {
			return NewStoreError("Create", inc.DedupKey, ErrDedupConflict)
		}
		return NewStoreError("Create", inc.DedupKey, err)
	}
	return nil
}

// ApplyEvidence atomically appends evidence and updates the owning incident.
// Replaying a source event returns AlreadyApplied without changing anything.
func (s *BoltStore) ApplyEvidence(ctx context.Context, incidentID uuid.UUID, upd EvidenceUpdate) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return Applied, NewStoreError("ApplyEvidence", incidentID.String(), err)
	}

	result := Applied
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIncidents).Get(incidentID[:])
		if raw == nil {
			return ErrNotFound
		}

		var inc Incident
		if err := json.Unmarshal(raw, &inc); err != nil {
			return fmt.Errorf("%w: corrupt incident record: %v", ErrInvalidData, err)
		}

		evBucket := tx.Bucket(bucketEvidence).Bucket(incidentID[:])
		if evBucket != nil && evBucket.Get([]byte(upd.Evidence.SourceEventID)) != nil {
			result = AlreadyApplied
			return nil
		}

		inc.Confidence = upd.ResultingConfidence
		// The stage ratchet holds at the persistence boundary too.
		inc.Stage = MaxStage(inc.Stage, upd.ResultingStage)
		inc.EvidenceCount++
		if upd.ObservedAt.After(inc.LastUpdatedAt) {
			inc.LastUpdatedAt = upd.ObservedAt
		}

		if err := putIncident(tx, &inc); err != nil {
			return err
		}
		return putEvidence(tx, incidentID, upd.Evidence)
	})
	if err != nil {
		if err == ErrNotFound {
			return Applied, NewStoreError("ApplyEvidence", incidentID.String(), ErrNotFound)
		}
		return Applied, NewStoreError("ApplyEvidence", incidentID.String(), err)
	}
	return result, nil
}

// Get returns an incident by ID.
func (s *BoltStore) Get(ctx context.Context, incidentID uuid.UUID) (*Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("Get", incidentID.String(), err)
	}

	var inc *Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIncidents).Get(incidentID[:])
		if raw == nil {
			return ErrNotFound
		}
		var rec Incident
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: corrupt incident record: %v", ErrInvalidData, err)
		}
		inc = &rec
		return nil
	})
	if err != nil {
		return nil, NewStoreError("Get", incidentID.String(), err)
	}
	return inc, nil
}

// ListEvidence returns all evidence for an incident in insertion order.
func (s *BoltStore) ListEvidence(ctx context.Context, incidentID uuid.UUID) ([]Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStoreError("ListEvidence", incidentID.String(), err)
	}

	var out []Evidence
	err := s.db.View(func(tx *bolt.Tx) error {
		evBucket := tx.Bucket(bucketEvidence).Bucket(incidentID[:])
		if evBucket == nil {
			return nil
		}
		return evBucket.ForEach(func(_, v []byte) error {
			var ev Evidence
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("%w: corrupt evidence record: %v", ErrInvalidData, err)
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, NewStoreError("ListEvidence", incidentID.String(), err)
	}

	// bbolt iterates keys lexicographically; restore insertion order.
	sortEvidence(out)
	return out, nil
}

// SweepDormant removes dedup index entries whose incidents fell outside the
// window before now. Incident and evidence records are never deleted.
func (s *BoltStore) SweepDormant(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStoreError("SweepDormant", "", err)
	}

	dropped := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		dedup := tx.Bucket(bucketDedup)
		incidents := tx.Bucket(bucketIncidents)

		var stale [][]byte
		err := dedup.ForEach(func(k, v []byte) error {
			raw := incidents.Get(v)
			if raw == nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			var inc Incident
			if err := json.Unmarshal(raw, &inc); err != nil {
				return fmt.Errorf("%w: corrupt incident record: %v", ErrInvalidData, err)
			}
			if now.Sub(inc.LastUpdatedAt) > s.window {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := dedup.Delete(k); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	if err != nil {
		return 0, NewStoreError("SweepDormant", "", err)
	}
	return dropped, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putIncident(tx *bolt.Tx, inc *Incident) error {
	raw, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketIncidents).Put(inc.ID[:], raw)
}

func putEvidence(tx *bolt.Tx, incidentID uuid.UUID, ev Evidence) error {
	evRoot := tx.Bucket(bucketEvidence)
	evBucket, err := evRoot.CreateBucketIfNotExists(incidentID[:])
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return evBucket.Put([]byte(ev.SourceEventID), raw)
}

func sortEvidence(evs []Evidence) {
	// Insertion sort on AddedAt; evidence lists are small and mostly sorted.
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && evs[j].AddedAt.Before(evs[j-1].AddedAt); j-- {
			evs[j], evs[j-1] = evs[j-1], evs[j]
		}
	}
}
