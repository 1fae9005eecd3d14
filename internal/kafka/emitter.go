package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"aegis-correlate/internal/correlation"
)

// ErrEmitterClosed is returned after the emitter has been closed.
var ErrEmitterClosed = fmt.Errorf("kafka: emitter is closed")

// Emitter publishes incident snapshots. Publication is best effort: the
// durable incident state is already committed before a snapshot reaches the
// emitter, so a publish failure is logged and never unwinds correlation.
type Emitter struct {
	writer *kafka.Writer
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
}

// NewEmitter creates the incident snapshot producer.
func NewEmitter(config *Config, logger *slog.Logger) (*Emitter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.IncidentTopic,
		Balancer:     &kafka.Hash{}, // one partition per dedup key keeps snapshots ordered
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  config.ProducerMaxRetries,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("incident emitter initialized",
		"brokers", config.Brokers,
		"topic", config.IncidentTopic,
		"compression", config.CompressionType,
	)

	return &Emitter{
		writer: writer,
		config: config,
		logger: logger,
	}, nil
}

// Handler returns a correlation.SnapshotHandler publishing to the incident
// topic. Errors are returned to the engine, which logs and moves on.
func (e *Emitter) Handler() correlation.SnapshotHandler {
	return func(ctx context.Context, snap *correlation.Snapshot) error {
		return e.Publish(ctx, snap)
	}
}

// Publish sends one incident snapshot, keyed by dedup key.
func (e *Emitter) Publish(ctx context.Context, snap *correlation.Snapshot) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal snapshot: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(snap.Incident.DedupKey),
		Value: data,
		Time:  time.Now(),
	}

	backoff := e.config.ProducerRetryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			e.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := e.writer.WriteMessages(ctx, msg)
		if err == nil {
			e.published.Add(1)
			return nil
		}

		lastErr = err
		e.failures.Add(1)
		e.logger.Warn("snapshot publish failed",
			"error", err,
			"incident_id", snap.Incident.ID,
			"attempt", attempt+1,
		)
		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", e.config.ProducerMaxRetries+1, lastErr)
}

// Metrics returns emitter counters.
func (e *Emitter) Metrics() map[string]int64 {
	return map[string]int64{
		"published": e.published.Load(),
		"failures":  e.failures.Load(),
		"retries":   e.retries.Load(),
	}
}

// Stats returns internal writer statistics.
func (e *Emitter) Stats() kafka.WriterStats {
	return e.writer.Stats()
}

// Close closes the emitter and flushes buffered messages.
func (e *Emitter) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.logger.Info("closing incident emitter", "published", e.published.Load())

	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close emitter: %w", err)
	}
	return nil
}

// isNonRetryableError reports errors that retrying cannot fix.
func isNonRetryableError(err error) bool {
	switch err {
	case kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}
