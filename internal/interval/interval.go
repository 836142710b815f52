// Package interval models time-stamped speaker intervals and the pure
// operations the pipeline applies to them.
package interval

import (
	"fmt"
	"math"
	"sort"
)

// Interval is one speaker turn in seconds. Values are never mutated in place;
// every operation returns a new slice.
type Interval struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Duration returns End - Start.
func (iv Interval) Duration() float64 { return iv.End - iv.Start }

// MergeConsecutive coalesces runs of adjacent intervals sharing a speaker into
// one interval spanning the first start to the largest end seen in the run.
// Input must already be sorted by Start; it is not sorted here.
func MergeConsecutive(in []Interval) []Interval {
	if len(in) == 0 {
		return []Interval{}
	}
	out := make([]Interval, 0, len(in))
	cur := in[0]
	for _, iv := range in[1:] {
		if iv.Speaker == cur.Speaker {
			if iv.End > cur.End {
				cur.End = iv.End
			}
			continue
		}
		out = append(out, cur)
		cur = iv
	}
	return append(out, cur)
}

// Normalize drops degenerate and inverted intervals (End <= Start) and any
// interval with a non-finite bound. Surviving intervals are not altered.
func Normalize(in []Interval) []Interval {
	out := make([]Interval, 0, len(in))
	for _, iv := range in {
		if math.IsNaN(iv.Start) || math.IsNaN(iv.End) || math.IsInf(iv.Start, 0) || math.IsInf(iv.End, 0) {
			continue
		}
		if iv.End <= iv.Start {
			continue
		}
		out = append(out, iv)
	}
	return out
}

// PadEnd extends every interval's end by pad seconds.
func PadEnd(in []Interval, pad float64) []Interval {
	out := make([]Interval, len(in))
	for i, iv := range in {
		iv.End += pad
		out[i] = iv
	}
	return out
}

// SortByStart returns a copy ordered by Start, ties broken by End then Speaker.
func SortByStart(in []Interval) []Interval {
	out := append([]Interval(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].End != out[j].End {
			return out[i].End < out[j].End
		}
		return out[i].Speaker < out[j].Speaker
	})
	return out
}

// Speakers returns the distinct speaker tags in sorted order.
func Speakers(in []Interval) []string {
	seen := make(map[string]struct{})
	for _, iv := range in {
		seen[iv.Speaker] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FormatHMS renders seconds as H:MM:SS, rounding to the nearest second with
// ties to even (2.5 renders as 0:00:02).
func FormatHMS(seconds float64) string {
	total := int64(math.RoundToEven(seconds))
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FormatTimeMs renders seconds as HH:MM:SS.mmm. Milliseconds are truncated.
func FormatTimeMs(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	whole := math.Floor(seconds)
	total := int64(whole)
	ms := int64((seconds - whole) * 1000)
	if ms > 999 {
		ms = 999
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
