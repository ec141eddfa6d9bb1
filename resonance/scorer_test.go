package resonance

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"xdao.co/glyph/fault"
	"xdao.co/glyph/timeindex"
)

func pt(layer string, phase, radius, weight float64) timeindex.TimePoint {
	return timeindex.TimePoint{Layer: layer, Phase: phase, Radius: radius, Weight: weight}
}

func TestScore_DegenerateChords(t *testing.T) {
	var s Scorer
	if _, err := s.Score(nil); !fault.IsKind(err, fault.EmptyChord) {
		t.Fatalf("expected EmptyChord, got %v", err)
	}
	got, err := s.Score(Chord{pt("A", 1.2, 3, 0.7)})
	if err != nil || got != 0 {
		t.Fatalf("single point: got %v, %v", got, err)
	}
}

func TestScore_Bounds(t *testing.T) {
	var s Scorer
	aligned, err := s.Score(Chord{pt("A", 0, 1, 1), pt("B", 0, 1, 1)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if aligned != 1.0 {
		t.Fatalf("aligned chord: got %v want 1", aligned)
	}

	opposed, err := s.Score(Chord{pt("A", 0, 1, 1), pt("B", math.Pi, 1, 1)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !(opposed < 0.5) {
		t.Fatalf("opposed chord: got %v want < 0.5", opposed)
	}

	silent, err := s.Score(Chord{pt("A", 0, 1, 0), pt("B", 0, 1, 0)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if silent != 0.5 {
		t.Fatalf("zero-weight chord: got %v want 0.5", silent)
	}
}

func TestScore_DecayWeakensDistantPoints(t *testing.T) {
	s := Scorer{HalfLife: 2}
	near, _ := s.Score(Chord{pt("A", 0, 1, 1), pt("B", 0, 1.5, 1)})
	far, _ := s.Score(Chord{pt("A", 0, 1, 1), pt("B", 0, 9, 1)})
	if !(near > far) {
		t.Fatalf("closer radii must resonate more: near=%v far=%v", near, far)
	}
	if s.Decay(0) != 1 {
		t.Fatalf("Decay(0) = %v", s.Decay(0))
	}
	if !(s.Decay(1) > s.Decay(2)) {
		t.Fatalf("Decay must decrease")
	}
}

func TestScore_OrderInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	base := Chord{}
	for _, l := range []string{"A", "B", "C", "D", "E", "F"} {
		base = append(base, pt(l, r.Float64()*2*math.Pi, 1+r.Float64()*5, r.Float64()))
	}
	var s Scorer
	want, err := s.Score(base)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for i := 0; i < 50; i++ {
		shuffled := append(Chord(nil), base...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := s.Score(shuffled)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if got != want {
			t.Fatalf("shuffle %d: got %v want %v", i, got, want)
		}
	}
}

func TestNewChord_RejectsDuplicateLayer(t *testing.T) {
	if _, err := NewChord(pt("A", 0, 1, 1), pt("A", 0, 2, 1)); !fault.IsKind(err, fault.DuplicateLayer) {
		t.Fatalf("expected DuplicateLayer, got %v", err)
	}
	var s Scorer
	if _, err := s.Score(Chord{pt("A", 0, 1, 1), pt("B", 0, 1, 1), pt("A", 0, 2, 1)}); !fault.IsKind(err, fault.DuplicateLayer) {
		t.Fatalf("Score of a raw chord: expected DuplicateLayer, got %v", err)
	}
	c, err := NewChord(pt("B", 0, 3, 1), pt("A", 0, 2, 1))
	if err != nil {
		t.Fatalf("NewChord: %v", err)
	}
	if c.MaxRadius() != 3 {
		t.Fatalf("MaxRadius: %v", c.MaxRadius())
	}
	if c.Sorted()[0].Layer != "A" || c[0].Layer != "B" {
		t.Fatalf("Sorted must copy and order by layer")
	}
}

func TestNewScorer(t *testing.T) {
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := NewScorer(bad); err == nil {
			t.Fatalf("NewScorer(%v) should fail", bad)
		}
	}
	if s, err := NewScorer(3); err != nil || s.HalfLife != 3 {
		t.Fatalf("NewScorer(3): %+v %v", s, err)
	}
}

func TestScoreAll(t *testing.T) {
	chords := []Chord{
		{pt("A", 0, 1, 1), pt("B", 0, 1, 1)},
		{pt("A", 0, 1, 1)},
		{pt("A", 0, 1, 1), pt("B", math.Pi, 1, 1)},
	}
	var s Scorer
	got, err := s.ScoreAll(context.Background(), chords, 2)
	if err != nil {
		t.Fatalf("ScoreAll: %v", err)
	}
	for i, c := range chords {
		want, _ := s.Score(c)
		if got[i] != want {
			t.Fatalf("chord %d: got %v want %v", i, got[i], want)
		}
	}

	_, err = s.ScoreAll(context.Background(), append(chords, Chord{}), 0)
	if !fault.IsKind(err, fault.EmptyChord) {
		t.Fatalf("expected EmptyChord from batch, got %v", err)
	}
}
