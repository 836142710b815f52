package voiceprint

import (
	"context"
	"math"
	"math/rand"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/audio"
	"github.com/snarg/courtscribe/internal/interval"
)

func TestSolveKnownOptimum(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	got := Solve(cost)
	want := []int{1, 0, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Solve() = %v, want %v", got, want)
	}
	if c := TotalCost(cost, got); c != 5 {
		t.Errorf("TotalCost = %v, want 5", c)
	}
}

func TestSolveBeatsGreedy(t *testing.T) {
	// Greedy row-by-row picks (0,0) then is forced into (1,1)=100.
	cost := [][]float64{
		{1, 2},
		{2, 100},
	}
	got := Solve(cost)
	if !reflect.DeepEqual(got, []int{1, 0}) {
		t.Errorf("Solve() = %v, want [1 0]", got)
	}
}

func TestSolveMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		rows := 1 + rng.Intn(5)
		cols := 1 + rng.Intn(5)
		cost := make([][]float64, rows)
		for i := range cost {
			cost[i] = make([]float64, cols)
			for j := range cost[i] {
				cost[i][j] = rng.Float64()*2 - 1
			}
		}
		got := Solve(cost)
		assertValidAssignment(t, got, rows, cols)
		best := bruteForce(cost)
		if math.Abs(TotalCost(cost, got)-best) > 1e-9 {
			t.Fatalf("trial %d: cost %v, brute force %v (matrix %v)", trial, TotalCost(cost, got), best, cost)
		}
	}
}

func TestSolveEmpty(t *testing.T) {
	if got := Solve(nil); len(got) != 0 {
		t.Errorf("Solve(nil) = %v, want empty", got)
	}
	if got := Solve([][]float64{{}, {}}); !reflect.DeepEqual(got, []int{-1, -1}) {
		t.Errorf("Solve(no cols) = %v, want [-1 -1]", got)
	}
}

func assertValidAssignment(t *testing.T, a []int, rows, cols int) {
	t.Helper()
	if len(a) != rows {
		t.Fatalf("len = %d, want %d", len(a), rows)
	}
	seen := map[int]bool{}
	assigned := 0
	for _, j := range a {
		if j < 0 {
			continue
		}
		if j >= cols || seen[j] {
			t.Fatalf("invalid assignment %v", a)
		}
		seen[j] = true
		assigned++
	}
	if assigned != min(rows, cols) {
		t.Fatalf("assigned %d, want %d (%v)", assigned, min(rows, cols), a)
	}
}

// bruteForce returns the optimal total cost over all matchings that assign
// min(rows, cols) pairs.
func bruteForce(cost [][]float64) float64 {
	rows, cols := len(cost), len(cost[0])
	target := min(rows, cols)
	best := math.Inf(1)
	used := make([]bool, cols)
	var rec func(i, assigned int, acc float64)
	rec = func(i, assigned int, acc float64) {
		if i == rows {
			if assigned == target {
				best = math.Min(best, acc)
			}
			return
		}
		rec(i+1, assigned, acc)
		for j := 0; j < cols; j++ {
			if !used[j] {
				used[j] = true
				rec(i+1, assigned+1, acc+cost[i][j])
				used[j] = false
			}
		}
	}
	rec(0, 0, 0)
	return best
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		a, b Vector
		want float64
	}{
		{Vector{1, 0}, Vector{1, 0}, 1},
		{Vector{1, 0}, Vector{0, 1}, 0},
		{Vector{1, 0}, Vector{-1, 0}, -1},
		{Vector{0, 0}, Vector{1, 0}, 0},
	}
	for _, tt := range tests {
		got, err := CosineSimilarity(tt.a, tt.b)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
	if _, err := CosineSimilarity(Vector{1}, Vector{1, 2}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestAssign(t *testing.T) {
	refs := map[string]Vector{
		"judge":    {1, 0, 0},
		"clerk":    {0, 1, 0},
		"attorney": {0, 0, 1},
	}

	t.Run("permutation", func(t *testing.T) {
		anon := map[string]Vector{
			"SPEAKER_00": {0.1, 0.1, 0.9},
			"SPEAKER_01": {0.9, 0.2, 0},
			"SPEAKER_02": {0, 0.8, 0.3},
		}
		m, err := Assign(anon, refs)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]string{"SPEAKER_00": "attorney", "SPEAKER_01": "judge", "SPEAKER_02": "clerk"}
		if !reflect.DeepEqual(m.Labels, want) {
			t.Errorf("Labels = %v, want %v", m.Labels, want)
		}
		if len(m.Unmapped) != 0 || len(m.Unused) != 0 {
			t.Errorf("Unmapped = %v Unused = %v, want none", m.Unmapped, m.Unused)
		}
	})

	t.Run("fewer_tags_than_references", func(t *testing.T) {
		anon := map[string]Vector{"SPEAKER_00": {0, 1, 0}}
		m, err := Assign(anon, refs)
		if err != nil {
			t.Fatal(err)
		}
		if m.Labels["SPEAKER_00"] != "clerk" {
			t.Errorf("SPEAKER_00 -> %q, want clerk", m.Labels["SPEAKER_00"])
		}
		if !reflect.DeepEqual(m.Unused, []string{"attorney", "judge"}) {
			t.Errorf("Unused = %v", m.Unused)
		}
	})

	t.Run("more_tags_than_references_fails_closed", func(t *testing.T) {
		anon := map[string]Vector{
			"SPEAKER_00": {1, 0, 0},
			"SPEAKER_01": {0.95, 0.05, 0},
			"SPEAKER_02": {0, 1, 0},
			"SPEAKER_03": {0, 0, 1},
		}
		m, err := Assign(anon, refs)
		if err != nil {
			t.Fatal(err)
		}
		if len(m.Labels) != 3 || !reflect.DeepEqual(m.Unmapped, []string{"SPEAKER_01"}) {
			t.Errorf("Labels = %v Unmapped = %v", m.Labels, m.Unmapped)
		}
		seen := map[string]bool{}
		for _, l := range m.Labels {
			if seen[l] {
				t.Errorf("label %q assigned twice", l)
			}
			seen[l] = true
		}
	})
}

func TestApplyMapping(t *testing.T) {
	ivs := []interval.Interval{{0, 1, "SPEAKER_00"}, {1, 2, "SPEAKER_09"}, {2, 3, "SPEAKER_00"}}
	m := Mapping{Labels: map[string]string{"SPEAKER_00": "judge"}}

	got := ApplyMapping(ivs, m, LabelUnknown, "Unknown")
	want := []interval.Interval{{0, 1, "judge"}, {1, 2, "Unknown"}, {2, 3, "judge"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unknown policy = %v, want %v", got, want)
	}

	got = ApplyMapping(ivs, m, DropUnmapped, "Unknown")
	want = []interval.Interval{{0, 1, "judge"}, {2, 3, "judge"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("drop policy = %v, want %v", got, want)
	}
	if ivs[1].Speaker != "SPEAKER_09" {
		t.Error("input mutated")
	}
}

// bankEmbedder projects a clip onto a small bank of tone frequencies.
type bankEmbedder struct {
	freqs []float64
	calls atomic.Int32
}

func (e *bankEmbedder) Embed(_ context.Context, clip audio.Buffer) (Vector, error) {
	e.calls.Add(1)
	v := make(Vector, len(e.freqs))
	for k, f := range e.freqs {
		var re, im float64
		for i, s := range clip.Samples {
			ph := 2 * math.Pi * f * float64(i) / float64(clip.SampleRate)
			re += float64(s) * math.Cos(ph)
			im += float64(s) * math.Sin(ph)
		}
		v[k] = float32(math.Hypot(re, im) / float64(len(clip.Samples)))
	}
	return v, nil
}

func sine(freq, seconds float64, rate int) audio.Buffer {
	s := make([]float32, int(seconds*float64(rate)))
	for i := range s {
		s[i] = 0.5 * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return audio.Buffer{Samples: s, SampleRate: rate}
}

func TestReconcileDeterministic(t *testing.T) {
	const rate = 8000
	judge := sine(300, 4, rate)
	clerk := sine(500, 4, rate)
	merged := audio.Concat([]audio.Buffer{judge, clerk}, rate)
	ivs := []interval.Interval{
		{Start: 0, End: 4, Speaker: "SPEAKER_01"},
		{Start: 4, End: 8, Speaker: "SPEAKER_00"},
	}
	refs := []Reference{{Label: "clerk", Audio: clerk}, {Label: "judge", Audio: judge}}

	run := func() Mapping {
		emb := &bankEmbedder{freqs: []float64{300, 500, 700}}
		r := NewReconciler(emb, Options{Seed: 42, MaxSeconds: 3, ChunkSeconds: 1}, zerolog.Nop())
		m, err := r.Reconcile(context.Background(), merged, ivs, refs)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if emb.calls.Load() != 4 {
			t.Errorf("embed calls = %d, want 4", emb.calls.Load())
		}
		return m
	}

	first := run()
	want := map[string]string{"SPEAKER_01": "judge", "SPEAKER_00": "clerk"}
	if !reflect.DeepEqual(first.Labels, want) {
		t.Errorf("Labels = %v, want %v", first.Labels, want)
	}
	if second := run(); !reflect.DeepEqual(first, second) {
		t.Errorf("second run = %+v, want %+v", second, first)
	}
}

func TestReconcileSilentTagIsUnmapped(t *testing.T) {
	const rate = 8000
	judge := sine(300, 2, rate)
	silence := audio.Buffer{Samples: make([]float32, 2*rate), SampleRate: rate}
	merged := audio.Concat([]audio.Buffer{judge, silence}, rate)
	ivs := []interval.Interval{
		{Start: 0, End: 2, Speaker: "SPEAKER_00"},
		{Start: 2, End: 4, Speaker: "SPEAKER_01"},
	}
	r := NewReconciler(&bankEmbedder{freqs: []float64{300, 500}}, Options{Seed: 42}, zerolog.Nop())
	m, err := r.Reconcile(context.Background(), merged, ivs, []Reference{{Label: "judge", Audio: judge}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Labels["SPEAKER_00"] != "judge" || !reflect.DeepEqual(m.Unmapped, []string{"SPEAKER_01"}) {
		t.Errorf("mapping = %+v", m)
	}
}
