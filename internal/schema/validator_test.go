package schema

import (
	"testing"
	"time"
)

func validSignal() *Signal {
	return &Signal{
		SourceEventID: "evt-0001",
		Entity:        EntityRef{HostID: "host-a"},
		Category:      CategoryProcessActivity,
		ObservedAt:    time.Now().UTC(),
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(*Signal)
		wantErr bool
	}{
		{
			name:    "valid signal",
			mutate:  func(s *Signal) {},
			wantErr: false,
		},
		{
			name:    "missing source event id",
			mutate:  func(s *Signal) { s.SourceEventID = "" },
			wantErr: true,
		},
		{
			name:    "missing host id",
			mutate:  func(s *Signal) { s.Entity.HostID = "" },
			wantErr: true,
		},
		{
			name:    "unknown category",
			mutate:  func(s *Signal) { s.Category = "TAROT_READING" },
			wantErr: true,
		},
		{
			name:    "invalid polarity",
			mutate:  func(s *Signal) { s.Polarity = "MAYBE" },
			wantErr: true,
		},
		{
			name:    "observed_at too old",
			mutate:  func(s *Signal) { s.ObservedAt = time.Now().Add(-30 * 24 * time.Hour) },
			wantErr: true,
		},
		{
			name:    "observed_at in future",
			mutate:  func(s *Signal) { s.ObservedAt = time.Now().Add(time.Hour) },
			wantErr: true,
		},
		{
			name:    "invalid network ip",
			mutate:  func(s *Signal) { s.Entity.Network = &NetworkTuple{SourceIP: "not-an-ip"} },
			wantErr: true,
		},
		{
			name: "valid network tuple",
			mutate: func(s *Signal) {
				s.Entity.Network = &NetworkTuple{
					SourceIP: "10.0.0.1",
					DestIP:   "10.0.0.2",
					DestPort: 443,
					Protocol: "tcp",
				}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := validSignal()
			tt.mutate(sig)
			err := v.Validate(sig)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidator_DerivesPolarity(t *testing.T) {
	v := NewValidator()

	sig := validSignal()
	if err := v.Validate(sig); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if sig.Polarity != PolarityCorroborating {
		t.Errorf("polarity = %s, want %s", sig.Polarity, PolarityCorroborating)
	}
}

func TestDerivePolarity(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		payload  map[string]any
		want     Polarity
	}{
		{
			name:     "process activity corroborates",
			category: CategoryProcessActivity,
			payload:  map[string]any{"process_name": "cryptolocker"},
			want:     PolarityCorroborating,
		},
		{
			name:     "healthy agent report contradicts",
			category: CategoryAgentHealth,
			payload:  map[string]any{"status": "HEALTHY"},
			want:     PolarityContradicting,
		},
		{
			name:     "unhealthy agent report corroborates",
			category: CategoryAgentHealth,
			payload:  map[string]any{"status": "DEGRADED"},
			want:     PolarityCorroborating,
		},
		{
			name:     "benign threat level contradicts",
			category: CategoryAISignal,
			payload:  map[string]any{"threat_level": "BENIGN"},
			want:     PolarityContradicting,
		},
		{
			name:     "clean verdict contradicts case-insensitively",
			category: CategoryDPIFlow,
			payload:  map[string]any{"verdict": "clean"},
			want:     PolarityContradicting,
		},
		{
			name:     "non-string verdict corroborates",
			category: CategoryDPIFlow,
			payload:  map[string]any{"verdict": 7},
			want:     PolarityCorroborating,
		},
		{
			name:     "nil payload corroborates",
			category: CategoryDeception,
			payload:  nil,
			want:     PolarityCorroborating,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := &Signal{Category: tt.category, Payload: tt.payload}
			if got := DerivePolarity(sig); got != tt.want {
				t.Errorf("DerivePolarity() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCategory_IsValid(t *testing.T) {
	for _, c := range Categories() {
		if !c.IsValid() {
			t.Errorf("category %s should be valid", c)
		}
	}
	if Category("BOGUS").IsValid() {
		t.Error("BOGUS should not be a valid category")
	}
}
