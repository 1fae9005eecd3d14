// Package identity computes stable dedup keys for signals. The key is the
// routing identity for correlation: every signal about the same logical
// entity must map to the same key, and unrelated entities must never collide.
package identity

import (
	"errors"

	"github.com/spaolacci/murmur3"

	"aegis-correlate/internal/schema"
)

// ErrNoEntity is returned when a signal carries no usable entity reference.
var ErrNoEntity = errors.New("identity: entity has no host id")

// DedupKey derives the deduplication key for an entity reference. The key is
// host-scoped, narrowed to a single process when the signal carries a process
// identity. Pure function, no I/O.
func DedupKey(e schema.EntityRef) (string, error) {
	if e.HostID == "" {
		return "", ErrNoEntity
	}
	if e.ProcessID != "" {
		return e.HostID + ":" + e.ProcessID, nil
	}
	return e.HostID, nil
}

// Shard maps a dedup key onto one of n partitions. All signals for one key
// land on the same partition, which is what preserves per-key ordering when
// workers run in parallel.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}
