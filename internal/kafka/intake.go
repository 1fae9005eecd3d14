package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"aegis-correlate/internal/correlation"
	"aegis-correlate/internal/schema"
)

// Intake consumes telemetry signals and feeds them to the correlation
// engine. Offsets are committed only after the engine has accepted the
// signal, so a crash between fetch and accept replays the signal; evidence
// idempotency absorbs the redelivery.
type Intake struct {
	reader    *kafka.Reader
	config    *Config
	logger    *slog.Logger
	validator *schema.Validator
	engine    *correlation.Engine

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed  atomic.Int64
	malformed atomic.Int64
	invalid   atomic.Int64
}

// NewIntake creates the signal intake consumer.
func NewIntake(config *Config, validator *schema.Validator, engine *correlation.Engine, logger *slog.Logger) (*Intake, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if validator == nil {
		return nil, errors.New("kafka: signal validator is required")
	}
	if engine == nil {
		return nil, errors.New("kafka: correlation engine is required")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          config.Brokers,
		GroupID:          config.ConsumerGroup,
		Topic:            config.SignalTopic,
		Dialer:           dialer,
		MinBytes:         config.ConsumerMinBytes,
		MaxBytes:         config.ConsumerMaxBytes,
		MaxWait:          config.ConsumerMaxWait,
		StartOffset:      config.StartOffset,
		SessionTimeout:   config.SessionTimeout,
		RebalanceTimeout: config.RebalanceTimeout,
		ReadBackoffMin:   100 * time.Millisecond,
		ReadBackoffMax:   time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("signal intake initialized",
		"brokers", config.Brokers,
		"topic", config.SignalTopic,
		"group", config.ConsumerGroup,
	)

	return &Intake{
		reader:    reader,
		config:    config,
		logger:    logger,
		validator: validator,
		engine:    engine,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins consuming in a goroutine. Use Stop to shut down.
func (i *Intake) Start() error {
	if i.started.Swap(true) {
		return errors.New("kafka: intake already started")
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := i.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			i.logger.Error("intake loop exited", "error", err)
		}
	}()

	i.logger.Info("signal intake started", "topic", i.config.SignalTopic)
	return nil
}

func (i *Intake) consumeLoop() error {
	for {
		select {
		case <-i.ctx.Done():
			return i.ctx.Err()
		default:
		}

		msg, err := i.reader.FetchMessage(i.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			i.logger.Error("failed to fetch message",
				"error", err,
				"topic", i.config.SignalTopic,
			)
			select {
			case <-i.ctx.Done():
				return i.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		accepted, err := i.handleMessage(msg)
		if err != nil {
			// The engine would not take the signal. Leave the offset
			// uncommitted so the signal is redelivered after restart.
			return err
		}
		if accepted {
			i.consumed.Add(1)
		}

		if err := i.reader.CommitMessages(i.ctx, msg); err != nil {
			i.logger.Error("failed to commit offset",
				"error", err,
				"offset", msg.Offset,
			)
		}
	}
}

// handleMessage decodes, validates and submits one signal. Malformed or
// invalid signals are logged and skipped: they will never become valid on
// redelivery, and one bad signal must not wedge the partition.
func (i *Intake) handleMessage(msg kafka.Message) (bool, error) {
	var sig schema.Signal
	if err := json.Unmarshal(msg.Value, &sig); err != nil {
		i.malformed.Add(1)
		i.logger.Error("malformed signal dropped",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return false, nil
	}

	if err := i.validator.Validate(&sig); err != nil {
		i.invalid.Add(1)
		i.logger.Error("invalid signal dropped",
			"error", err,
			"source_event_id", sig.SourceEventID,
			"offset", msg.Offset,
		)
		return false, nil
	}

	if err := i.engine.Submit(i.ctx, &sig); err != nil {
		if errors.Is(err, correlation.ErrContract) {
			i.invalid.Add(1)
			i.logger.Error("signal rejected at submit",
				"error", err,
				"source_event_id", sig.SourceEventID,
			)
			return false, nil
		}
		return false, fmt.Errorf("submit signal %s: %w", sig.SourceEventID, err)
	}
	return true, nil
}

// Metrics returns intake counters.
func (i *Intake) Metrics() map[string]int64 {
	return map[string]int64{
		"consumed":  i.consumed.Load(),
		"malformed": i.malformed.Load(),
		"invalid":   i.invalid.Load(),
	}
}

// Stats returns internal reader statistics.
func (i *Intake) Stats() kafka.ReaderStats {
	return i.reader.Stats()
}

// Stop gracefully stops the intake.
func (i *Intake) Stop() error {
	if i.closed.Swap(true) {
		return nil
	}

	i.logger.Info("stopping signal intake",
		"consumed", i.consumed.Load(),
		"malformed", i.malformed.Load(),
		"invalid", i.invalid.Load(),
	)

	i.cancel()
	i.wg.Wait()

	if err := i.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close intake: %w", err)
	}
	return nil
}
