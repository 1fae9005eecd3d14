// Package dedup provides a best-effort Redis index over the open-incident
// routing table. The durable store remains authoritative; the cache only
// lets peer services answer "is there an open incident for this key" without
// touching the store.
package dedup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Lookup when no open incident is cached for a key.
var ErrMiss = errors.New("dedup: cache miss")

// Config configures the Redis dedup index.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultConfig returns default Redis index configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "aegis:dedup:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// Index maps dedup keys to open incident IDs with a TTL equal to the dedup
// window, so entries age out in step with dormancy.
type Index struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewIndex connects to Redis and verifies the connection.
func NewIndex(cfg Config, window time.Duration) (*Index, error) {
	if window <= 0 {
		return nil, fmt.Errorf("dedup: window must be positive")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Index{client: client, prefix: cfg.KeyPrefix, ttl: window}, nil
}

// Lookup returns the cached open incident for a dedup key.
func (i *Index) Lookup(ctx context.Context, dedupKey string) (uuid.UUID, error) {
	val, err := i.client.Get(ctx, i.prefix+dedupKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrMiss
		}
		return uuid.Nil, fmt.Errorf("dedup lookup %q: %w", dedupKey, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dedup lookup %q: corrupt entry: %w", dedupKey, err)
	}
	return id, nil
}

// Remember records the open incident for a key. The TTL restarts on every
// call, mirroring the window-from-last-activity dormancy rule.
func (i *Index) Remember(ctx context.Context, dedupKey string, incidentID uuid.UUID) error {
	if err := i.client.Set(ctx, i.prefix+dedupKey, incidentID.String(), i.ttl).Err(); err != nil {
		return fmt.Errorf("dedup remember %q: %w", dedupKey, err)
	}
	return nil
}

// Forget drops the cached entry for a key.
func (i *Index) Forget(ctx context.Context, dedupKey string) error {
	if err := i.client.Del(ctx, i.prefix+dedupKey).Err(); err != nil {
		return fmt.Errorf("dedup forget %q: %w", dedupKey, err)
	}
	return nil
}

// Close closes the Redis connection.
func (i *Index) Close() error {
	return i.client.Close()
}
