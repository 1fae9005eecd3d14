package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegis-correlate/internal/correlation"
)

// WriterConfig holds configuration for the batch writer.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultWriterConfig returns the default batch writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Writer batches incident snapshots into ClickHouse. Each snapshot lands as
// one row in incident_snapshots and one in evidence. Inserts are append
// only; the latest snapshot per incident wins at query time.
type Writer struct {
	client *ClickHouseClient
	config WriterConfig

	buffer []*correlation.Snapshot
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewWriter creates a new Writer.
func NewWriter(client *ClickHouseClient, cfg WriterConfig) *Writer {
	w := &Writer{
		client: client,
		config: cfg,
		buffer: make([]*correlation.Snapshot, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Handler returns a correlation.SnapshotHandler feeding this writer.
func (w *Writer) Handler() correlation.SnapshotHandler {
	return func(_ context.Context, snap *correlation.Snapshot) error {
		return w.Write(snap)
	}
}

// Write adds a snapshot to the batch.
func (w *Writer) Write(snap *correlation.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("archive writer is closed")
	}

	w.buffer = append(w.buffer, snap)

	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *Writer) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			slog.Error("archive timer flush failed", "error", err)
		}
	}
	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	snaps := w.buffer
	w.buffer = make([]*correlation.Snapshot, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}

		if err := w.insertBatch(snaps); err != nil {
			lastErr = err
			slog.Warn("archive batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.totalWritten, uint64(len(snaps)))
		atomic.AddUint64(&w.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&w.totalFailed, uint64(len(snaps)))
	return fmt.Errorf("archive batch insert failed after %d retries: %w", w.config.MaxRetries, lastErr)
}

func (w *Writer) insertBatch(snaps []*correlation.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	incidents, err := w.client.PrepareBatch(ctx, `
		INSERT INTO incident_snapshots (
			incident_id, dedup_key, stage, confidence,
			first_observed_at, last_updated_at, evidence_count,
			created, stage_changed
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare incident batch: %w", err)
	}

	for _, snap := range snaps {
		inc := snap.Incident
		err := incidents.Append(
			inc.ID.String(),
			inc.DedupKey,
			string(inc.Stage),
			inc.Confidence,
			inc.FirstObservedAt,
			inc.LastUpdatedAt,
			inc.EvidenceCount,
			snap.Created,
			snap.StageChanged,
		)
		if err != nil {
			return fmt.Errorf("append incident row: %w", err)
		}
	}
	if err := incidents.Send(); err != nil {
		return fmt.Errorf("send incident batch: %w", err)
	}

	evidence, err := w.client.PrepareBatch(ctx, `
		INSERT INTO evidence (
			evidence_id, incident_id, source_event_id,
			category, weight_applied, added_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare evidence batch: %w", err)
	}

	for _, snap := range snaps {
		ev := snap.Evidence
		err := evidence.Append(
			ev.ID.String(),
			ev.IncidentID.String(),
			ev.SourceEventID,
			string(ev.Category),
			ev.WeightApplied,
			ev.AddedAt,
		)
		if err != nil {
			return fmt.Errorf("append evidence row: %w", err)
		}
	}
	if err := evidence.Send(); err != nil {
		return fmt.Errorf("send evidence batch: %w", err)
	}

	slog.Debug("archive batch inserted", "count", len(snaps))
	return nil
}

// Flush forces a flush of the current buffer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.flushTimer.Stop()
	return w.flushLocked()
}

// Metrics returns writer statistics.
func (w *Writer) Metrics() WriterMetrics {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()

	return WriterMetrics{
		Written: atomic.LoadUint64(&w.totalWritten),
		Failed:  atomic.LoadUint64(&w.totalFailed),
		Batches: atomic.LoadUint64(&w.batchCount),
		Pending: pending,
	}
}

// WriterMetrics holds batch writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
