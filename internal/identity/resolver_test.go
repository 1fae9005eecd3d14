package identity

import (
	"errors"
	"testing"

	"aegis-correlate/internal/schema"
)

func TestDedupKey(t *testing.T) {
	tests := []struct {
		name    string
		entity  schema.EntityRef
		want    string
		wantErr bool
	}{
		{
			name:   "host only",
			entity: schema.EntityRef{HostID: "host-a"},
			want:   "host-a",
		},
		{
			name:   "host and process",
			entity: schema.EntityRef{HostID: "host-a", ProcessID: "4242"},
			want:   "host-a:4242",
		},
		{
			name:    "missing host",
			entity:  schema.EntityRef{ProcessID: "4242"},
			wantErr: true,
		},
		{
			name: "network tuple does not widen the key",
			entity: schema.EntityRef{
				HostID:  "host-a",
				Network: &schema.NetworkTuple{SourceIP: "10.0.0.1"},
			},
			want: "host-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DedupKey(tt.entity)
			if tt.wantErr {
				if !errors.Is(err, ErrNoEntity) {
					t.Errorf("DedupKey() error = %v, want ErrNoEntity", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DedupKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DedupKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDedupKey_Deterministic(t *testing.T) {
	e := schema.EntityRef{HostID: "host-b", ProcessID: "99"}
	a, _ := DedupKey(e)
	b, _ := DedupKey(e)
	if a != b {
		t.Errorf("same entity yielded different keys: %q vs %q", a, b)
	}
}

func TestShard(t *testing.T) {
	const n = 8

	// Stable: same key always maps to the same shard.
	for _, key := range []string{"host-a", "host-a:1", "host-b", "host-c:77"} {
		first := Shard(key, n)
		for i := 0; i < 10; i++ {
			if got := Shard(key, n); got != first {
				t.Fatalf("Shard(%q) unstable: %d then %d", key, first, got)
			}
		}
		if first < 0 || first >= n {
			t.Errorf("Shard(%q) = %d, out of range [0,%d)", key, first, n)
		}
	}

	if got := Shard("anything", 1); got != 0 {
		t.Errorf("Shard with one partition = %d, want 0", got)
	}
	if got := Shard("anything", 0); got != 0 {
		t.Errorf("Shard with zero partitions = %d, want 0", got)
	}
}
