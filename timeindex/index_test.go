package timeindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
)

func ref(s string) fingerprint.Fingerprint { return fingerprint.ComputeExact([]byte(s)) }

func mustInsert(t *testing.T, ix *Index, layer string, w float64) TimePoint {
	t.Helper()
	p, err := ix.Insert(context.Background(), layer, w, ref(fmt.Sprintf("%s-%v", layer, w)))
	if err != nil {
		t.Fatalf("Insert(%s): %v", layer, err)
	}
	return p
}

func phaseStep(a, b float64) float64 {
	d := math.Mod(b-a, 2*math.Pi)
	if d < 0 {
		d += 2 * math.Pi
	}
	return d
}

func TestInsert_SpiralLaw(t *testing.T) {
	ix := New()
	var pts []TimePoint
	for i := 0; i < 50; i++ {
		pts = append(pts, mustInsert(t, ix, "A", 0.5))
	}

	if pts[0].Index != 0 || pts[0].Phase != 0 || pts[0].Radius != 1 {
		t.Fatalf("first point: %+v", pts[0])
	}
	for i := 1; i < len(pts); i++ {
		if pts[i].Index != pts[i-1].Index+1 {
			t.Fatalf("index %d does not follow %d", pts[i].Index, pts[i-1].Index)
		}
		if !(pts[i].Radius > pts[i-1].Radius) {
			t.Fatalf("radius not strictly increasing at %d: %v <= %v", i, pts[i].Radius, pts[i-1].Radius)
		}
		if math.Abs(phaseStep(pts[i-1].Phase, pts[i].Phase)-GoldenAngle) > 1e-9 {
			t.Fatalf("phase step at %d: %v", i, phaseStep(pts[i-1].Phase, pts[i].Phase))
		}
		if pts[i].Phase < 0 || pts[i].Phase >= 2*math.Pi {
			t.Fatalf("phase out of range: %v", pts[i].Phase)
		}
	}
	if got, want := pts[8].Radius, Phi; math.Abs(got-want) > 1e-12 {
		t.Fatalf("radius after K inserts: got %v want %v", got, want)
	}
}

func TestInsert_InvalidWeight(t *testing.T) {
	ix := New()
	for _, w := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		_, err := ix.Insert(context.Background(), "A", w, ref("x"))
		if !fault.IsKind(err, fault.InvalidWeight) {
			t.Fatalf("weight %v: expected InvalidWeight, got %v", w, err)
		}
	}
	if ix.Len("A") != 0 {
		t.Fatalf("rejected inserts must not be stored")
	}
	for _, w := range []float64{0, 1} {
		mustInsert(t, ix, "A", w)
	}

	if _, err := ix.Insert(context.Background(), "", 0.5, ref("x")); !fault.IsKind(err, fault.InvalidLayer) {
		t.Fatalf("expected InvalidLayer, got %v", err)
	}
}

func TestPointsInWindow(t *testing.T) {
	ix := New(WithGrowthPeriod(1))
	for i := 0; i < 6; i++ {
		mustInsert(t, ix, "A", 1)
	}
	// radii: 1, φ, φ², φ³, φ⁴, φ⁵
	got := ix.PointsInWindow("A", Phi, math.Pow(Phi, 3))
	if len(got) != 3 {
		t.Fatalf("window size: got %d want 3", len(got))
	}
	for i, p := range got {
		if p.Index != uint64(i+1) {
			t.Fatalf("window order: got index %d at %d", p.Index, i)
		}
	}

	again := ix.PointsInWindow("A", Phi, math.Pow(Phi, 3))
	if len(again) != len(got) || again[0].Index != got[0].Index || again[0].Radius != got[0].Radius {
		t.Fatalf("re-query must be restartable")
	}

	got[0].Weight = 0
	if p, _ := ix.Point("A", 1); p.Weight != 1 {
		t.Fatalf("window result must be a copy")
	}

	if n := len(ix.PointsInWindow("A", 5, 1)); n != 0 {
		t.Fatalf("inverted window: got %d points", n)
	}
	if n := len(ix.PointsInWindow("missing", 0, 100)); n != 0 {
		t.Fatalf("unknown layer: got %d points", n)
	}
}

func TestFutureProjection_NoSideEffect(t *testing.T) {
	ix := New()
	for i := 0; i < 3; i++ {
		mustInsert(t, ix, "A", 0.25)
	}
	before := ix.PointsInWindow("A", 0, math.MaxFloat64)

	proj, err := ix.FutureProjection("A", 4)
	if err != nil {
		t.Fatalf("FutureProjection: %v", err)
	}
	if !proj.Provisional || proj.Index != 6 || proj.Weight != 0.25 || !proj.Ref.IsZero() {
		t.Fatalf("unexpected projection: %+v", proj)
	}
	if want := RadiusAt(6, DefaultGrowthPeriod); proj.Radius != want {
		t.Fatalf("projected radius: got %v want %v", proj.Radius, want)
	}

	after := ix.PointsInWindow("A", 0, math.MaxFloat64)
	if len(after) != len(before) {
		t.Fatalf("projection altered the spiral: %d -> %d", len(before), len(after))
	}

	// The projection must agree with what real inserts produce.
	var last TimePoint
	for i := 0; i < 4; i++ {
		last = mustInsert(t, ix, "A", 0.25)
	}
	if last.Index != proj.Index || math.Abs(last.Phase-proj.Phase) > 1e-9 || last.Radius != proj.Radius {
		t.Fatalf("projection %+v disagrees with real point %+v", proj, last)
	}
}

func TestFutureProjection_Errors(t *testing.T) {
	ix := New()
	if _, err := ix.FutureProjection("A", 1); !fault.IsKind(err, fault.EmptyLayer) {
		t.Fatalf("expected EmptyLayer, got %v", err)
	}
	mustInsert(t, ix, "A", 1)
	for _, steps := range []int{0, -3} {
		if _, err := ix.FutureProjection("A", steps); !fault.IsKind(err, fault.InvalidProjection) {
			t.Fatalf("steps %d: expected InvalidProjection, got %v", steps, err)
		}
	}
}

type recordingLog struct {
	mu   sync.Mutex
	got  []TimePoint
	fail error
}

func (l *recordingLog) Append(_ context.Context, p TimePoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.got = append(l.got, p)
	return nil
}

func TestInsert_LogFailureAbortsInsert(t *testing.T) {
	log := &recordingLog{}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ix := New(WithLog(log), WithClock(func() time.Time { return fixed }))

	p := mustInsert(t, ix, "A", 1)
	if len(log.got) != 1 || log.got[0].Index != p.Index || !log.got[0].Ref.Equal(p.Ref) {
		t.Fatalf("log did not receive the inserted point")
	}
	if !p.InsertedAt.Equal(fixed) {
		t.Fatalf("clock override ignored: %v", p.InsertedAt)
	}

	log.fail = errors.New("disk full")
	if _, err := ix.Insert(context.Background(), "A", 1, ref("y")); err == nil {
		t.Fatalf("expected log failure to surface")
	}
	if ix.Len("A") != 1 {
		t.Fatalf("failed insert became visible")
	}
}

func TestRestore_Monotonicity(t *testing.T) {
	src := New()
	var pts []TimePoint
	for i := 0; i < 3; i++ {
		pts = append(pts, mustInsert(t, src, "A", 0.5))
	}

	dst := New()
	for _, p := range pts {
		if err := dst.Restore(p); err != nil {
			t.Fatalf("Restore: %v", err)
		}
	}
	if err := dst.Restore(pts[1]); !fault.IsKind(err, fault.DuplicateOrOutOfOrderIndex) {
		t.Fatalf("duplicate restore: expected DuplicateOrOutOfOrderIndex, got %v", err)
	}
	skip := pts[2]
	skip.Index = 7
	if err := dst.Restore(skip); !fault.IsKind(err, fault.DuplicateOrOutOfOrderIndex) {
		t.Fatalf("gap restore: expected DuplicateOrOutOfOrderIndex, got %v", err)
	}

	next := mustInsert(t, dst, "A", 0.5)
	if next.Index != 3 {
		t.Fatalf("insert after restore: index %d", next.Index)
	}
}

func TestInsert_RejectsShrinkingRadius(t *testing.T) {
	src := New(WithGrowthPeriod(8))
	for i := 0; i < 40; i++ {
		mustInsert(t, src, "A", 0.5)
	}

	log := &recordingLog{}
	dst := New(WithGrowthPeriod(16), WithLog(log))
	for _, p := range src.PointsInWindow("A", 0, math.MaxFloat64) {
		if err := dst.Restore(p); err != nil {
			t.Fatalf("Restore: %v", err)
		}
	}
	_, err := dst.Insert(context.Background(), "A", 0.5, ref("next"))
	if !fault.IsKind(err, fault.DuplicateOrOutOfOrderIndex) || fault.RuleID(err) != "GLYPH-TI-004" {
		t.Fatalf("expected GLYPH-TI-004, got %v", err)
	}
	if len(log.got) != 0 {
		t.Fatalf("rejected point reached the log: %+v", log.got)
	}
	if dst.Len("A") != 40 {
		t.Fatalf("rejected point became visible: len %d", dst.Len("A"))
	}
}

func TestInsert_RejectsRadiusOverflow(t *testing.T) {
	log := &recordingLog{}
	ix := New(WithGrowthPeriod(1), WithLog(log))

	var err error
	for i := 0; i < 2000 && err == nil; i++ {
		_, err = ix.Insert(context.Background(), "A", 0.5, ref("x"))
	}
	if !fault.IsKind(err, fault.DuplicateOrOutOfOrderIndex) || fault.RuleID(err) != "GLYPH-TI-007" {
		t.Fatalf("expected GLYPH-TI-007, got %v", err)
	}
	for _, p := range log.got {
		if math.IsInf(p.Radius, 0) || math.IsNaN(p.Radius) {
			t.Fatalf("non-finite radius reached the log at index %d", p.Index)
		}
	}
	if n := ix.Len("A"); n != len(log.got) {
		t.Fatalf("visible %d points, logged %d", n, len(log.got))
	}

	// The accepted prefix replays cleanly.
	dst := New(WithGrowthPeriod(1))
	for _, p := range log.got {
		if err := dst.Restore(p); err != nil {
			t.Fatalf("Restore %d: %v", p.Index, err)
		}
	}

	inf := log.got[len(log.got)-1]
	inf.Index++
	inf.Radius = math.Inf(1)
	if err := dst.Restore(inf); fault.RuleID(err) != "GLYPH-TI-007" {
		t.Fatalf("restore of infinite radius: got %v", err)
	}
}

func TestAdvancePhase_ConstantTime(t *testing.T) {
	start := time.Now()
	p := AdvancePhase(1, math.MaxUint64)
	if time.Since(start) > time.Second {
		t.Fatalf("AdvancePhase took %v", time.Since(start))
	}
	if math.IsNaN(p) || p < 0 || p >= 2*math.Pi {
		t.Fatalf("phase %v outside [0, 2π)", p)
	}

	stepped := 0.5
	for i := 0; i < 1000; i++ {
		stepped = wrap(stepped + GoldenAngle)
	}
	got := AdvancePhase(0.5, 1000)
	if d := math.Abs(got - stepped); d > 1e-9 && 2*math.Pi-d > 1e-9 {
		t.Fatalf("AdvancePhase(0.5, 1000) = %v, stepwise %v", got, stepped)
	}
}

func TestFutureProjection_HugeSteps(t *testing.T) {
	ix := New()
	mustInsert(t, ix, "A", 1)

	done := make(chan error, 1)
	go func() {
		_, err := ix.FutureProjection("A", math.MaxInt64)
		done <- err
	}()
	select {
	case err := <-done:
		if !fault.IsKind(err, fault.InvalidProjection) {
			t.Fatalf("expected InvalidProjection, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("FutureProjection did not return")
	}

	p, err := ix.FutureProjection("A", 10000)
	if err != nil {
		t.Fatalf("FutureProjection(10000): %v", err)
	}
	if math.IsInf(p.Radius, 0) || p.Phase < 0 || p.Phase >= 2*math.Pi {
		t.Fatalf("unexpected projection %+v", p)
	}
}

func TestInsert_ConcurrentLayers(t *testing.T) {
	ix := New()
	layers := []string{"A", "B", "C", "D"}
	const perWorker = 100

	var wg sync.WaitGroup
	for _, layer := range layers {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(layer string) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if _, err := ix.Insert(context.Background(), layer, 0.5, ref(layer)); err != nil {
						t.Errorf("Insert: %v", err)
						return
					}
					_ = ix.PointsInWindow(layer, 0, math.MaxFloat64)
				}
			}(layer)
		}
	}
	wg.Wait()

	for _, layer := range layers {
		pts := ix.PointsInWindow(layer, 0, math.MaxFloat64)
		if len(pts) != 4*perWorker {
			t.Fatalf("layer %s: got %d points", layer, len(pts))
		}
		for i, p := range pts {
			if p.Index != uint64(i) {
				t.Fatalf("layer %s: index %d at position %d", layer, p.Index, i)
			}
		}
	}
	if got := ix.Layers(); len(got) != len(layers) || got[0] != "A" {
		t.Fatalf("Layers: %v", got)
	}
}
