package correlation

import (
	"testing"

	"aegis-correlate/internal/schema"
)

func TestDetector_Contradicts(t *testing.T) {
	det := NewDetector()

	tests := []struct {
		name string
		sig  schema.Signal
		want bool
	}{
		{
			name: "explicit contradicting polarity",
			sig: schema.Signal{
				Category: schema.CategoryDPIFlow,
				Polarity: schema.PolarityContradicting,
			},
			want: true,
		},
		{
			name: "corroborating polarity",
			sig: schema.Signal{
				Category: schema.CategoryDPIFlow,
				Polarity: schema.PolarityCorroborating,
			},
			want: false,
		},
		{
			name: "healthy agent health report",
			sig: schema.Signal{
				Category: schema.CategoryAgentHealth,
				Polarity: schema.PolarityCorroborating,
				Payload:  map[string]any{"status": "HEALTHY"},
			},
			want: true,
		},
		{
			name: "degraded agent health report",
			sig: schema.Signal{
				Category: schema.CategoryAgentHealth,
				Polarity: schema.PolarityCorroborating,
				Payload:  map[string]any{"status": "DEGRADED"},
			},
			want: false,
		},
		{
			name: "category without predicate",
			sig: schema.Signal{
				Category: schema.CategoryDeception,
				Polarity: schema.PolarityCorroborating,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := det.Contradicts(&tt.sig); got != tt.want {
				t.Errorf("Contradicts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetector_Register(t *testing.T) {
	det := NewDetector()
	det.Register(schema.CategoryAISignal, func(sig *schema.Signal) bool {
		verdict, _ := sig.Payload["verdict"].(string)
		return verdict == "benign"
	})

	benign := &schema.Signal{
		Category: schema.CategoryAISignal,
		Polarity: schema.PolarityCorroborating,
		Payload:  map[string]any{"verdict": "benign"},
	}
	if !det.Contradicts(benign) {
		t.Error("registered predicate should flag benign verdict")
	}

	hostile := &schema.Signal{
		Category: schema.CategoryAISignal,
		Polarity: schema.PolarityCorroborating,
		Payload:  map[string]any{"verdict": "hostile"},
	}
	if det.Contradicts(hostile) {
		t.Error("registered predicate should not flag hostile verdict")
	}
}
