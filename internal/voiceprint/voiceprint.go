// Package voiceprint matches anonymous diarization tags to known speakers by
// solving the assignment problem over voiceprint dissimilarity.
package voiceprint

import (
	"fmt"
	"math"
	"sort"
)

// Vector is a speaker embedding.
type Vector []float32

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// vectors have similarity 0 with everything.
func CosineSimilarity(a, b Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// CostMatrix builds cell (i, j) = -cos(anon[i], refs[j]).
func CostMatrix(anon, refs []Vector) ([][]float64, error) {
	cost := make([][]float64, len(anon))
	for i, a := range anon {
		cost[i] = make([]float64, len(refs))
		for j, r := range refs {
			sim, err := CosineSimilarity(a, r)
			if err != nil {
				return nil, fmt.Errorf("anonymous %d vs reference %d: %w", i, j, err)
			}
			cost[i][j] = -sim
		}
	}
	return cost, nil
}

// Mapping is the identity assignment for one operation. Labels maps each
// anonymous tag to a known label and never reuses a label. Unmapped lists the
// tags left without a label and Unused the labels nobody was assigned to;
// both are sorted.
type Mapping struct {
	Labels   map[string]string `json:"speaker_to_label"`
	Unmapped []string          `json:"unmapped,omitempty"`
	Unused   []string          `json:"unused,omitempty"`
	Cost     float64           `json:"cost"`
}

// Assign matches anonymous voiceprints to reference voiceprints. Both maps are
// iterated in sorted key order so equal inputs give equal mappings.
func Assign(anon, refs map[string]Vector) (Mapping, error) {
	tags := sortedKeys(anon)
	labels := sortedKeys(refs)

	av := make([]Vector, len(tags))
	for i, t := range tags {
		av[i] = anon[t]
	}
	rv := make([]Vector, len(labels))
	for j, l := range labels {
		rv[j] = refs[l]
	}

	m := Mapping{Labels: make(map[string]string, len(tags))}
	if len(tags) == 0 {
		m.Unused = labels
		return m, nil
	}
	cost, err := CostMatrix(av, rv)
	if err != nil {
		return Mapping{}, err
	}
	assignment := Solve(cost)
	m.Cost = TotalCost(cost, assignment)

	used := make(map[int]bool, len(labels))
	for i, j := range assignment {
		if j < 0 {
			m.Unmapped = append(m.Unmapped, tags[i])
			continue
		}
		m.Labels[tags[i]] = labels[j]
		used[j] = true
	}
	for j, l := range labels {
		if !used[j] {
			m.Unused = append(m.Unused, l)
		}
	}
	return m, nil
}

func sortedKeys(m map[string]Vector) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
