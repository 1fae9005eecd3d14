package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"aegis-correlate/internal/identity"
	"aegis-correlate/internal/schema"
	"aegis-correlate/internal/store"
)

// Snapshot is the incident state emitted to external consumers after a
// signal has been durably applied.
type Snapshot struct {
	Incident     store.Incident    `json:"incident"`
	Evidence     store.Evidence    `json:"evidence"`
	Result       store.ApplyResult `json:"-"`
	Created      bool              `json:"created"`
	StageChanged bool              `json:"stage_changed"`
}

// SnapshotHandler is called with each emitted snapshot. Handler failures are
// logged and never retried; the durable state is already committed.
type SnapshotHandler func(ctx context.Context, snap *Snapshot) error

// Config configures the correlation engine.
type Config struct {
	Workers      int           // Number of shard workers
	ShardBuffer  int           // Queued signals per shard
	StoreTimeout time.Duration // Bound on any single store transaction
	DecayFactor  float64       // Contradiction decay factor
	Thresholds   Thresholds
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		ShardBuffer:  4096,
		StoreTimeout: 10 * time.Second,
		DecayFactor:  0.10,
		Thresholds:   DefaultThresholds(),
	}
}

// Validate checks the engine configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("engine: workers must be at least 1")
	}
	if c.ShardBuffer < 1 {
		return fmt.Errorf("engine: shard buffer must be at least 1")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("engine: store timeout must be positive")
	}
	if c.DecayFactor < 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("engine: decay factor must lie in [0, 1)")
	}
	return c.Thresholds.Validate()
}

// ErrContract marks per-signal data contract violations. They fail the one
// signal and never the engine.
var ErrContract = errors.New("correlation: data contract violation")

// ErrStopped is returned by Submit after the engine has stopped or failed.
var ErrStopped = errors.New("correlation: engine stopped")

// Engine is the correlation coordinator. Intake shards signals by dedup key
// onto workers, so signals for one entity apply in ingestion order while
// unrelated entities proceed in parallel. Any store failure halts the whole
// engine rather than letting it run silently incorrect.
type Engine struct {
	config   Config
	weights  *WeightTable
	detector *Detector
	store    store.IncidentStore

	handlers []SnapshotHandler
	locks    *keyLocks
	shards   []chan *schema.Signal

	mu      sync.Mutex
	started bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	fatalErr atomic.Value // error
	fatalCh  chan struct{}
	fatalOne sync.Once

	// Metrics
	processed      atomic.Uint64
	created        atomic.Uint64
	contradictions atomic.Uint64
	replays        atomic.Uint64
	rejected       atomic.Uint64
}

// NewEngine creates a correlation engine.
func NewEngine(cfg Config, weights *WeightTable, detector *Detector, st store.IncidentStore) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if weights == nil {
		return nil, fmt.Errorf("engine: weight table is required")
	}
	if st == nil {
		return nil, fmt.Errorf("engine: incident store is required")
	}
	if detector == nil {
		detector = NewDetector()
	}

	shards := make([]chan *schema.Signal, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *schema.Signal, cfg.ShardBuffer)
	}

	return &Engine{
		config:   cfg,
		weights:  weights,
		detector: detector,
		store:    st,
		locks:    newKeyLocks(),
		shards:   shards,
		stopCh:   make(chan struct{}),
		fatalCh:  make(chan struct{}),
	}, nil
}

// AddHandler registers a snapshot handler. Must be called before Start.
func (e *Engine) AddHandler(h SnapshotHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Start launches the shard workers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := range e.shards {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	slog.Info("correlation engine started",
		"workers", e.config.Workers,
		"decay_factor", e.config.DecayFactor,
		"threshold_probable", e.config.Thresholds.Probable,
		"threshold_confirmed", e.config.Thresholds.Confirmed,
	)
}

// Stop stops the workers. Signals still queued on shards are not processed;
// with an at-least-once intake and idempotent evidence they are redelivered
// on restart.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// Err returns the fatal error that halted the engine, if any.
func (e *Engine) Err() error {
	if err, ok := e.fatalErr.Load().(error); ok {
		return err
	}
	return nil
}

// Fatal returns a channel closed when the engine halts on a fatal error.
func (e *Engine) Fatal() <-chan struct{} {
	return e.fatalCh
}

// Submit routes a signal to its shard, blocking while the shard is full.
// Blocking rather than dropping keeps the no-silent-loss guarantee: the
// upstream consumer holds its offset until the signal is accepted.
func (e *Engine) Submit(ctx context.Context, sig *schema.Signal) error {
	key, err := identity.DedupKey(sig.Entity)
	if err != nil {
		e.rejected.Add(1)
		return fmt.Errorf("%w: %v", ErrContract, err)
	}

	shard := e.shards[identity.Shard(key, len(e.shards))]
	select {
	case shard <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return ErrStopped
	case <-e.fatalCh:
		return ErrStopped
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.fatalCh:
			return
		case sig := <-e.shards[id]:
			snap, err := e.processSignal(ctx, sig)
			if err != nil {
				if errors.Is(err, ErrContract) {
					// One bad signal never corrupts another incident.
					e.rejected.Add(1)
					slog.Error("signal rejected",
						"source_event_id", sig.SourceEventID,
						"category", sig.Category,
						"error", err,
					)
					continue
				}
				// Store failure: fail closed, halt the engine. The signal
				// that was not applied is recorded in the log.
				slog.Error("signal not applied, halting engine",
					"source_event_id", sig.SourceEventID,
					"worker_id", id,
					"error", err,
				)
				e.fail(err)
				return
			}
			if snap != nil {
				e.emit(ctx, snap)
			}
		}
	}
}

// ProcessSync runs the full per-signal algorithm inline: resolve identity,
// serialize on the key, contradiction-or-accumulate, persist atomically,
// emit. Used by the replay path; safe to call concurrently with live intake.
func (e *Engine) ProcessSync(ctx context.Context, sig *schema.Signal) (*Snapshot, error) {
	snap, err := e.processSignal(ctx, sig)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		e.emit(ctx, snap)
	}
	return snap, nil
}

func (e *Engine) processSignal(ctx context.Context, sig *schema.Signal) (*Snapshot, error) {
	key, err := identity.DedupKey(sig.Entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContract, err)
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	inc, err := e.store.FindOpen(ctx, key, sig.ObservedAt)
	switch {
	case err == nil:
		return e.applyToExisting(ctx, sig, inc)
	case store.IsNotFound(err):
		return e.createIncident(ctx, sig, key)
	default:
		return nil, err
	}
}

// createIncident founds a new incident from a signal. A single signal never
// starts an incident above SUSPICIOUS, however heavy its weight.
func (e *Engine) createIncident(ctx context.Context, sig *schema.Signal, key string) (*Snapshot, error) {
	if e.detector.Contradicts(sig) {
		// Nothing to decay and contradictions never found incidents.
		slog.Debug("contradicting signal with no open incident, ignored",
			"source_event_id", sig.SourceEventID,
			"dedup_key", key,
		)
		return nil, nil
	}

	weight, err := e.weights.Weight(sig.Category)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContract, err)
	}

	confidence := Clamp(weight)
	inc := &store.Incident{
		ID:              uuid.New(),
		DedupKey:        key,
		Stage:           store.StageSuspicious,
		Confidence:      confidence,
		FirstObservedAt: sig.ObservedAt,
		LastUpdatedAt:   sig.ObservedAt,
		EvidenceCount:   1,
	}
	ev := store.Evidence{
		ID:            uuid.New(),
		IncidentID:    inc.ID,
		SourceEventID: sig.SourceEventID,
		Category:      sig.Category,
		WeightApplied: confidence,
		AddedAt:       time.Now().UTC(),
	}

	err = e.store.Create(ctx, inc, ev)
	if store.IsDedupConflict(err) {
		// Lost a creation race: one deterministic fallback onto the winner.
		winner, ferr := e.store.FindOpen(ctx, key, sig.ObservedAt)
		if ferr != nil {
			return nil, fmt.Errorf("create fallback after dedup conflict: %w", ferr)
		}
		return e.applyToExisting(ctx, sig, winner)
	}
	if err != nil {
		return nil, err
	}

	e.processed.Add(1)
	e.created.Add(1)
	slog.Info("incident created",
		"incident_id", inc.ID,
		"dedup_key", key,
		"confidence", inc.Confidence,
		"source_event_id", sig.SourceEventID,
	)
	return &Snapshot{Incident: *inc, Evidence: ev, Result: store.Applied, Created: true, StageChanged: true}, nil
}

func (e *Engine) applyToExisting(ctx context.Context, sig *schema.Signal, inc *store.Incident) (*Snapshot, error) {
	var (
		newConfidence float64
		newStage      store.Stage
		err           error
	)

	contradiction := e.detector.Contradicts(sig)
	if contradiction {
		newConfidence, err = Decay(inc.Confidence, e.config.DecayFactor)
		if err != nil {
			return nil, err
		}
		newStage = inc.Stage // decay never moves the stage
	} else {
		weight, werr := e.weights.Weight(sig.Category)
		if werr != nil {
			return nil, fmt.Errorf("%w: %v", ErrContract, werr)
		}
		newConfidence, err = Accumulate(inc.Confidence, weight)
		if err != nil {
			return nil, err
		}
		newStage = e.config.Thresholds.Advance(inc.Stage, newConfidence)
	}

	ev := store.Evidence{
		ID:            uuid.New(),
		IncidentID:    inc.ID,
		SourceEventID: sig.SourceEventID,
		Category:      sig.Category,
		WeightApplied: newConfidence - inc.Confidence, // delta actually applied
		AddedAt:       time.Now().UTC(),
	}

	result, err := e.store.ApplyEvidence(ctx, inc.ID, store.EvidenceUpdate{
		Evidence:            ev,
		ResultingConfidence: newConfidence,
		ResultingStage:      newStage,
		ObservedAt:          sig.ObservedAt,
	})
	if err != nil {
		return nil, err
	}

	if result == store.AlreadyApplied {
		e.replays.Add(1)
		slog.Debug("evidence already applied, no-op",
			"incident_id", inc.ID,
			"source_event_id", sig.SourceEventID,
		)
		return &Snapshot{Incident: *inc, Evidence: ev, Result: store.AlreadyApplied}, nil
	}

	e.processed.Add(1)
	if contradiction {
		e.contradictions.Add(1)
		slog.Info("contradiction decay applied",
			"incident_id", inc.ID,
			"confidence", newConfidence,
			"source_event_id", sig.SourceEventID,
		)
	}

	updated := *inc
	updated.Confidence = newConfidence
	updated.Stage = newStage
	updated.EvidenceCount = inc.EvidenceCount + 1
	if sig.ObservedAt.After(updated.LastUpdatedAt) {
		updated.LastUpdatedAt = sig.ObservedAt
	}

	stageChanged := newStage != inc.Stage
	if stageChanged {
		slog.Info("incident stage advanced",
			"incident_id", inc.ID,
			"from", inc.Stage,
			"to", newStage,
			"confidence", newConfidence,
		)
	}

	return &Snapshot{Incident: updated, Evidence: ev, Result: store.Applied, StageChanged: stageChanged}, nil
}

// emit invokes the snapshot handlers. Replayed no-ops are not emitted.
func (e *Engine) emit(ctx context.Context, snap *Snapshot) {
	if snap.Result == store.AlreadyApplied {
		return
	}

	e.mu.Lock()
	handlers := e.handlers
	e.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, snap); err != nil {
			slog.Error("snapshot handler failed",
				"incident_id", snap.Incident.ID,
				"error", err,
			)
		}
	}
}

func (e *Engine) fail(err error) {
	e.fatalOne.Do(func() {
		e.fatalErr.Store(err)
		close(e.fatalCh)
	})
}

// SweepDormant drops expired dedup routes so long-dormant keys stop pinning
// index entries. Run periodically by the composition root.
func (e *Engine) SweepDormant(ctx context.Context, now time.Time) {
	dropped, err := e.store.SweepDormant(ctx, now)
	if err != nil {
		slog.Warn("dormancy sweep failed", "error", err)
		return
	}
	if dropped > 0 {
		slog.Debug("dormancy sweep", "dropped", dropped)
	}
}

// Metrics returns engine counters.
func (e *Engine) Metrics() map[string]uint64 {
	return map[string]uint64{
		"processed":      e.processed.Load(),
		"created":        e.created.Load(),
		"contradictions": e.contradictions.Load(),
		"replays":        e.replays.Load(),
		"rejected":       e.rejected.Load(),
	}
}
