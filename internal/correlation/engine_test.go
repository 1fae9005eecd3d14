package correlation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"aegis-correlate/internal/schema"
	"aegis-correlate/internal/store"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore(time.Hour)
	t.Cleanup(func() { st.Close() })

	eng, err := NewEngine(DefaultConfig(), DefaultWeightTable(), NewDetector(), st)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, st
}

func testSignal(eventID, hostID string, category schema.Category, at time.Time) *schema.Signal {
	return &schema.Signal{
		SourceEventID: eventID,
		Entity:        schema.EntityRef{HostID: hostID},
		Category:      category,
		ObservedAt:    at,
		Polarity:      schema.PolarityCorroborating,
	}
}

func TestEngine_CreateIncident(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	snap, err := eng.ProcessSync(ctx, testSignal("ev-1", "host-a", schema.CategoryProcessActivity, testBase))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if snap == nil || !snap.Created {
		t.Fatal("expected a created snapshot")
	}
	if snap.Incident.Stage != store.StageSuspicious {
		t.Errorf("stage = %v, want %v", snap.Incident.Stage, store.StageSuspicious)
	}
	if snap.Incident.Confidence != 15 {
		t.Errorf("confidence = %v, want 15", snap.Incident.Confidence)
	}
	if snap.Incident.EvidenceCount != 1 {
		t.Errorf("evidence count = %d, want 1", snap.Incident.EvidenceCount)
	}
	if snap.Evidence.WeightApplied != 15 {
		t.Errorf("weight applied = %v, want 15", snap.Evidence.WeightApplied)
	}
}

// A founding signal never opens an incident above SUSPICIOUS, no matter how
// heavy its weight.
func TestEngine_CreateAlwaysSuspicious(t *testing.T) {
	st := store.NewMemoryStore(time.Hour)
	defer st.Close()

	weights, err := NewWeightTable(map[schema.Category]float64{
		schema.CategoryDeception: 90,
	})
	if err != nil {
		t.Fatalf("NewWeightTable: %v", err)
	}
	eng, err := NewEngine(DefaultConfig(), weights, NewDetector(), st)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	snap, err := eng.ProcessSync(context.Background(), testSignal("ev-1", "host-a", schema.CategoryDeception, testBase))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if snap.Incident.Stage != store.StageSuspicious {
		t.Errorf("stage = %v, want %v", snap.Incident.Stage, store.StageSuspicious)
	}
	if snap.Incident.Confidence != 90 {
		t.Errorf("confidence = %v, want 90", snap.Incident.Confidence)
	}

	// The next corroborating signal advances straight past PROBABLE.
	snap, err = eng.ProcessSync(context.Background(), testSignal("ev-2", "host-a", schema.CategoryDNSQuery, testBase.Add(time.Minute)))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if snap.Incident.Stage != store.StageConfirmed {
		t.Errorf("stage = %v, want %v", snap.Incident.Stage, store.StageConfirmed)
	}
}

func TestEngine_AccumulateAndAdvance(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// 15 -> 30 (PROBABLE) -> 50 -> 75 (CONFIRMED)
	steps := []struct {
		category  schema.Category
		wantConf  float64
		wantStage store.Stage
	}{
		{schema.CategoryProcessActivity, 15, store.StageSuspicious},
		{schema.CategoryFileActivity, 30, store.StageProbable},
		{schema.CategoryDPIFlow, 50, store.StageProbable},
		{schema.CategoryDeception, 75, store.StageConfirmed},
	}

	for i, step := range steps {
		sig := testSignal(fmt.Sprintf("ev-%d", i), "host-a", step.category, testBase.Add(time.Duration(i)*time.Minute))
		snap, err := eng.ProcessSync(ctx, sig)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if snap.Incident.Confidence != step.wantConf {
			t.Errorf("step %d: confidence = %v, want %v", i, snap.Incident.Confidence, step.wantConf)
		}
		if snap.Incident.Stage != step.wantStage {
			t.Errorf("step %d: stage = %v, want %v", i, snap.Incident.Stage, step.wantStage)
		}
		if snap.Incident.EvidenceCount != uint64(i+1) {
			t.Errorf("step %d: evidence count = %d, want %d", i, snap.Incident.EvidenceCount, i+1)
		}
	}
}

func TestEngine_ConfidenceCeiling(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var snap *Snapshot
	var err error
	for i := 0; i < 10; i++ {
		sig := testSignal(fmt.Sprintf("ev-%d", i), "host-a", schema.CategoryDeception, testBase.Add(time.Duration(i)*time.Minute))
		snap, err = eng.ProcessSync(ctx, sig)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if snap.Incident.Confidence != 100 {
		t.Errorf("confidence = %v, want 100", snap.Incident.Confidence)
	}
	// The clipped delta is recorded, not the nominal weight.
	if snap.Evidence.WeightApplied != 0 {
		t.Errorf("weight applied at ceiling = %v, want 0", snap.Evidence.WeightApplied)
	}
}

func TestEngine_ContradictionDecay(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// Build up to 50 PROBABLE.
	for i, cat := range []schema.Category{
		schema.CategoryProcessActivity,
		schema.CategoryFileActivity,
		schema.CategoryDPIFlow,
	} {
		if _, err := eng.ProcessSync(ctx, testSignal(fmt.Sprintf("ev-%d", i), "host-a", cat, testBase.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	contra := testSignal("ev-contra", "host-a", schema.CategoryAgentHealth, testBase.Add(10*time.Minute))
	contra.Polarity = schema.PolarityContradicting

	snap, err := eng.ProcessSync(ctx, contra)
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if snap.Incident.Confidence != 45 {
		t.Errorf("confidence = %v, want 45", snap.Incident.Confidence)
	}
	if snap.Incident.Stage != store.StageProbable {
		t.Errorf("stage = %v, want %v (decay never moves stage)", snap.Incident.Stage, store.StageProbable)
	}
	if snap.Evidence.WeightApplied != -5 {
		t.Errorf("weight applied = %v, want -5", snap.Evidence.WeightApplied)
	}
	if snap.StageChanged {
		t.Error("decay must not report a stage change")
	}
}

// Once CONFIRMED, an incident stays CONFIRMED regardless of how far
// contradictions drag the confidence down.
func TestEngine_StageRatchet(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		sig := testSignal(fmt.Sprintf("ev-%d", i), "host-a", schema.CategoryDeception, testBase.Add(time.Duration(i)*time.Minute))
		if _, err := eng.ProcessSync(ctx, sig); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	var snap *Snapshot
	var err error
	for i := 0; i < 20; i++ {
		contra := testSignal(fmt.Sprintf("contra-%d", i), "host-a", schema.CategoryAgentHealth, testBase.Add(time.Duration(10+i)*time.Minute))
		contra.Polarity = schema.PolarityContradicting
		snap, err = eng.ProcessSync(ctx, contra)
		if err != nil {
			t.Fatalf("decay %d: %v", i, err)
		}
		if snap.Incident.Stage != store.StageConfirmed {
			t.Fatalf("decay %d: stage = %v, want CONFIRMED", i, snap.Incident.Stage)
		}
	}
	if snap.Incident.Confidence >= 70 {
		t.Errorf("confidence = %v, expected decay below the confirmed threshold", snap.Incident.Confidence)
	}
}

func TestEngine_IdempotentReplay(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.ProcessSync(ctx, testSignal("ev-1", "host-a", schema.CategoryProcessActivity, testBase))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if _, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-a", schema.CategoryFileActivity, testBase.Add(time.Minute))); err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}

	replay, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-a", schema.CategoryFileActivity, testBase.Add(time.Minute)))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Result != store.AlreadyApplied {
		t.Errorf("result = %v, want %v", replay.Result, store.AlreadyApplied)
	}

	inc, err := st.Get(ctx, first.Incident.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inc.Confidence != 30 {
		t.Errorf("confidence after replay = %v, want 30", inc.Confidence)
	}
	if inc.EvidenceCount != 2 {
		t.Errorf("evidence count after replay = %d, want 2", inc.EvidenceCount)
	}
}

func TestEngine_DedupWindowExpiry(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.ProcessSync(ctx, testSignal("ev-1", "host-a", schema.CategoryProcessActivity, testBase))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}

	// Inside the window: same incident.
	inside, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-a", schema.CategoryFileActivity, testBase.Add(59*time.Minute)))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if inside.Incident.ID != first.Incident.ID {
		t.Error("signal inside the window should route to the open incident")
	}

	// Past the window from last activity: fresh SUSPICIOUS incident.
	late, err := eng.ProcessSync(ctx, testSignal("ev-3", "host-a", schema.CategoryDeception, testBase.Add(3*time.Hour)))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if late.Incident.ID == first.Incident.ID {
		t.Error("signal past the window should found a new incident")
	}
	if !late.Created || late.Incident.Stage != store.StageSuspicious {
		t.Errorf("late signal: created=%v stage=%v, want fresh SUSPICIOUS", late.Created, late.Incident.Stage)
	}
}

func TestEngine_SeparateEntitiesSeparateIncidents(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := eng.ProcessSync(ctx, testSignal("ev-1", "host-a", schema.CategoryProcessActivity, testBase))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	b, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-b", schema.CategoryProcessActivity, testBase))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if a.Incident.ID == b.Incident.ID {
		t.Error("distinct hosts must not share an incident")
	}

	// Host plus process scopes narrower than host alone.
	scoped := testSignal("ev-3", "host-a", schema.CategoryProcessActivity, testBase)
	scoped.Entity.ProcessID = "pid-42"
	c, err := eng.ProcessSync(ctx, scoped)
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if c.Incident.ID == a.Incident.ID {
		t.Error("host:process key must not collide with the host-wide key")
	}
}

func TestEngine_ContradictionWithoutIncident(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	contra := testSignal("ev-1", "host-a", schema.CategoryAgentHealth, testBase)
	contra.Polarity = schema.PolarityContradicting

	snap, err := eng.ProcessSync(ctx, contra)
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if snap != nil {
		t.Errorf("snapshot = %+v, want nil (contradictions never found incidents)", snap)
	}

	// The key must still be free for a later corroborating signal.
	created, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-a", schema.CategoryProcessActivity, testBase.Add(time.Minute)))
	if err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if !created.Created {
		t.Error("corroborating signal after ignored contradiction should create an incident")
	}
	if _, err := st.Get(ctx, created.Incident.ID); err != nil {
		t.Errorf("Get: %v", err)
	}
}

func TestEngine_MissingHostRejected(t *testing.T) {
	eng, _ := newTestEngine(t)

	sig := testSignal("ev-1", "", schema.CategoryProcessActivity, testBase)
	_, err := eng.ProcessSync(context.Background(), sig)
	if err == nil {
		t.Fatal("expected contract violation for missing host id")
	}
}

func TestEngine_SnapshotHandlers(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var emitted []Snapshot
	eng.AddHandler(func(_ context.Context, snap *Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		emitted = append(emitted, *snap)
		return nil
	})

	if _, err := eng.ProcessSync(ctx, testSignal("ev-1", "host-a", schema.CategoryProcessActivity, testBase)); err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	if _, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-a", schema.CategoryFileActivity, testBase.Add(time.Minute))); err != nil {
		t.Fatalf("ProcessSync: %v", err)
	}
	// A replay must not reach the handlers.
	if _, err := eng.ProcessSync(ctx, testSignal("ev-2", "host-a", schema.CategoryFileActivity, testBase.Add(time.Minute))); err != nil {
		t.Fatalf("replay: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 2 {
		t.Fatalf("emitted %d snapshots, want 2", len(emitted))
	}
	if !emitted[0].Created || !emitted[0].StageChanged {
		t.Error("first snapshot should mark creation")
	}
	if emitted[1].Incident.Stage != store.StageProbable || !emitted[1].StageChanged {
		t.Errorf("second snapshot: stage=%v changed=%v, want PROBABLE change", emitted[1].Incident.Stage, emitted[1].StageChanged)
	}
}

func TestEngine_ConcurrentIntake(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	const hosts = 8
	const perHost = 5

	var wg sync.WaitGroup
	wg.Add(hosts * perHost)
	eng.AddHandler(func(context.Context, *Snapshot) error {
		wg.Done()
		return nil
	})

	eng.Start(ctx)
	defer eng.Stop()

	for h := 0; h < hosts; h++ {
		for i := 0; i < perHost; i++ {
			sig := testSignal(
				fmt.Sprintf("ev-%d-%d", h, i),
				fmt.Sprintf("host-%d", h),
				schema.CategoryProcessActivity,
				testBase.Add(time.Duration(i)*time.Second),
			)
			if err := eng.Submit(ctx, sig); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	wg.Wait()

	for h := 0; h < hosts; h++ {
		key := fmt.Sprintf("host-%d", h)
		inc, err := st.FindOpen(ctx, key, testBase.Add(perHost*time.Second))
		if err != nil {
			t.Fatalf("FindOpen(%s): %v", key, err)
		}
		if inc.EvidenceCount != perHost {
			t.Errorf("%s: evidence count = %d, want %d", key, inc.EvidenceCount, perHost)
		}
		if inc.Confidence != 75 {
			t.Errorf("%s: confidence = %v, want 75", key, inc.Confidence)
		}
		if inc.Stage != store.StageConfirmed {
			t.Errorf("%s: stage = %v, want CONFIRMED", key, inc.Stage)
		}
	}

	if err := eng.Err(); err != nil {
		t.Fatalf("engine reported fatal error: %v", err)
	}
}
