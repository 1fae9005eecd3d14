package correlation

import (
	"math"
	"testing"

	"aegis-correlate/internal/store"
)

func TestAccumulate(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		weight  float64
		want    float64
		wantErr bool
	}{
		{name: "from zero", current: 0, weight: 15, want: 15},
		{name: "mid range", current: 27, weight: 20, want: 47},
		{name: "clamps at ceiling", current: 95, weight: 25, want: 100},
		{name: "exactly ceiling", current: 80, weight: 20, want: 100},
		{name: "negative weight rejected", current: 50, weight: -5, wantErr: true},
		{name: "zero weight rejected", current: 50, weight: 0, wantErr: true},
		{name: "nan weight rejected", current: 50, weight: math.NaN(), wantErr: true},
		{name: "inf weight rejected", current: 50, weight: math.Inf(1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Accumulate(tt.current, tt.weight)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Accumulate(%v, %v) = %v, want error", tt.current, tt.weight, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Accumulate(%v, %v) error: %v", tt.current, tt.weight, err)
			}
			if got != tt.want {
				t.Errorf("Accumulate(%v, %v) = %v, want %v", tt.current, tt.weight, got, tt.want)
			}
		})
	}
}

// Positive-weight accumulation is order independent: the clamp only engages
// at the ceiling, and once there every ordering stays there.
func TestAccumulate_OrderIndependent(t *testing.T) {
	weights := []float64{15, 20, 25, 12, 18, 25, 15}

	perms := [][]int{
		{0, 1, 2, 3, 4, 5, 6},
		{6, 5, 4, 3, 2, 1, 0},
		{2, 5, 0, 6, 3, 1, 4},
		{3, 0, 4, 1, 6, 2, 5},
	}

	var want float64 = -1
	for _, perm := range perms {
		conf := 0.0
		for _, i := range perm {
			var err error
			conf, err = Accumulate(conf, weights[i])
			if err != nil {
				t.Fatalf("Accumulate: %v", err)
			}
		}
		if want < 0 {
			want = conf
			continue
		}
		if conf != want {
			t.Errorf("permutation %v ended at %v, want %v", perm, conf, want)
		}
	}
	if want != 100 {
		t.Errorf("final confidence = %v, want 100", want)
	}
}

func TestDecay(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		factor  float64
		want    float64
		wantErr bool
	}{
		{name: "default factor", current: 50, factor: 0.10, want: 45},
		{name: "near zero stays nonnegative", current: 0.5, factor: 0.10, want: 0.45},
		{name: "zero stays zero", current: 0, factor: 0.10, want: 0},
		{name: "zero factor is identity", current: 67, factor: 0, want: 67},
		{name: "negative factor rejected", current: 50, factor: -0.1, wantErr: true},
		{name: "factor one rejected", current: 50, factor: 1, wantErr: true},
		{name: "nan factor rejected", current: 50, factor: math.NaN(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decay(tt.current, tt.factor)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decay(%v, %v) = %v, want error", tt.current, tt.factor, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decay(%v, %v) error: %v", tt.current, tt.factor, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Decay(%v, %v) = %v, want %v", tt.current, tt.factor, got, tt.want)
			}
		})
	}
}

// Repeated decay converges toward zero but never reaches a negative value.
func TestDecay_NeverNegative(t *testing.T) {
	conf := 100.0
	for i := 0; i < 500; i++ {
		var err error
		conf, err = Decay(conf, 0.10)
		if err != nil {
			t.Fatalf("Decay: %v", err)
		}
		if conf < 0 {
			t.Fatalf("confidence went negative after %d decays: %v", i+1, conf)
		}
	}
	if conf > 1e-15 {
		t.Errorf("confidence should approach zero, got %v", conf)
	}
}

func TestThresholds_StageFor(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		confidence float64
		want       store.Stage
	}{
		{0, store.StageSuspicious},
		{29.999, store.StageSuspicious},
		{30, store.StageProbable},
		{69.999, store.StageProbable},
		{70, store.StageConfirmed},
		{100, store.StageConfirmed},
	}

	for _, tt := range tests {
		if got := th.StageFor(tt.confidence); got != tt.want {
			t.Errorf("StageFor(%v) = %v, want %v", tt.confidence, got, tt.want)
		}
	}
}

// Advance never moves a stage backward even when decay drags the confidence
// below the stored stage's threshold.
func TestThresholds_Advance(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name       string
		stored     store.Stage
		confidence float64
		want       store.Stage
	}{
		{name: "forward to probable", stored: store.StageSuspicious, confidence: 35, want: store.StageProbable},
		{name: "forward skip to confirmed", stored: store.StageSuspicious, confidence: 80, want: store.StageConfirmed},
		{name: "confirmed holds under low confidence", stored: store.StageConfirmed, confidence: 10, want: store.StageConfirmed},
		{name: "probable holds under low confidence", stored: store.StageProbable, confidence: 5, want: store.StageProbable},
		{name: "no movement at same band", stored: store.StageProbable, confidence: 50, want: store.StageProbable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := th.Advance(tt.stored, tt.confidence); got != tt.want {
				t.Errorf("Advance(%v, %v) = %v, want %v", tt.stored, tt.confidence, got, tt.want)
			}
		})
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		th      Thresholds
		wantErr bool
	}{
		{name: "defaults", th: DefaultThresholds()},
		{name: "probable above confirmed", th: Thresholds{Probable: 80, Confirmed: 70}, wantErr: true},
		{name: "equal thresholds", th: Thresholds{Probable: 50, Confirmed: 50}, wantErr: true},
		{name: "zero probable", th: Thresholds{Probable: 0, Confirmed: 70}, wantErr: true},
		{name: "over ceiling", th: Thresholds{Probable: 30, Confirmed: 101}, wantErr: true},
		{name: "nan", th: Thresholds{Probable: math.NaN(), Confirmed: 70}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
