package interval

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestMergeConsecutive(t *testing.T) {
	tests := []struct {
		name string
		in   []Interval
		want []Interval
	}{
		{"empty", nil, []Interval{}},
		{"single", []Interval{{1, 2, "A"}}, []Interval{{1, 2, "A"}}},
		{
			"run_end_is_max",
			[]Interval{{0, 2, "A"}, {1, 3, "A"}, {3, 5, "B"}},
			[]Interval{{0, 3, "A"}, {3, 5, "B"}},
		},
		{
			"nested_does_not_shrink",
			[]Interval{{0, 10, "A"}, {2, 4, "A"}, {11, 12, "B"}},
			[]Interval{{0, 10, "A"}, {11, 12, "B"}},
		},
		{
			"alternating",
			[]Interval{{0, 1, "A"}, {1, 2, "B"}, {2, 3, "A"}},
			[]Interval{{0, 1, "A"}, {1, 2, "B"}, {2, 3, "A"}},
		},
		{
			"gap_within_run_still_merges",
			[]Interval{{0, 1, "A"}, {5, 6, "A"}},
			[]Interval{{0, 6, "A"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeConsecutive(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeConsecutive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeConsecutiveIdempotent(t *testing.T) {
	inputs := [][]Interval{
		{{0, 2, "A"}, {1, 3, "A"}, {3, 5, "B"}, {4, 4.5, "B"}, {6, 7, "A"}},
		{{0, 1, "A"}, {0.5, 0.7, "B"}, {0.6, 2, "B"}, {2, 9, "C"}, {3, 4, "C"}},
		{},
	}
	for _, in := range inputs {
		once := MergeConsecutive(in)
		twice := MergeConsecutive(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("merge(merge(x)) = %v, want %v", twice, once)
		}
	}
}

func TestMergeConsecutiveDoesNotMutateInput(t *testing.T) {
	in := []Interval{{0, 2, "A"}, {1, 3, "A"}}
	MergeConsecutive(in)
	if in[0].End != 2 {
		t.Errorf("input mutated: %v", in)
	}
}

func TestNormalize(t *testing.T) {
	in := []Interval{{0, 1, "A"}, {2, 2, "B"}, {3, 2.5, "C"}, {4, 5, "D"}}
	got := Normalize(in)
	want := []Interval{{0, 1, "A"}, {4, 5, "D"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize() = %v, want %v", got, want)
	}
}

func TestPadEnd(t *testing.T) {
	in := []Interval{{0, 1, "A"}}
	got := PadEnd(in, 0.4)
	if got[0].End != 1.4 {
		t.Errorf("End = %v, want 1.4", got[0].End)
	}
	if in[0].End != 1 {
		t.Errorf("input mutated: %v", in)
	}
}

func TestSpeakers(t *testing.T) {
	got := Speakers([]Interval{{0, 1, "SPEAKER_01"}, {1, 2, "SPEAKER_00"}, {2, 3, "SPEAKER_01"}})
	want := []string{"SPEAKER_00", "SPEAKER_01"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Speakers() = %v, want %v", got, want)
	}
}

func TestFormatHMS(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{3661.4, "1:01:01"},
		{0, "0:00:00"},
		{59.6, "0:01:00"},
		{36000, "10:00:00"},
		// ties round to even
		{0.5, "0:00:00"},
		{1.5, "0:00:02"},
		{2.5, "0:00:02"},
		{64.5, "0:01:04"},
	}
	for _, tt := range tests {
		if got := FormatHMS(tt.in); got != tt.want {
			t.Errorf("FormatHMS(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatTimeMs(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{3661.4, "01:01:01.400"},
		{0, "00:00:00.000"},
		{1.9999, "00:00:01.999"},
		{125.25, "00:02:05.250"},
	}
	for _, tt := range tests {
		if got := FormatTimeMs(tt.in); got != tt.want {
			t.Errorf("FormatTimeMs(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRTTM(t *testing.T) {
	in := []Interval{{3.5, 4.25, "SPEAKER_01"}, {0, 1.5, "SPEAKER_00"}}
	var buf bytes.Buffer
	if err := WriteRTTM(&buf, "Merged", in); err != nil {
		t.Fatalf("WriteRTTM: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "SPEAKER Merged 1 3.500 0.750 <NA> <NA> SPEAKER_01") {
		t.Errorf("unexpected rttm line: %q", buf.String())
	}

	got, err := ReadRTTM(&buf)
	if err != nil {
		t.Fatalf("ReadRTTM: %v", err)
	}
	want := []Interval{{0, 1.5, "SPEAKER_00"}, {3.5, 4.25, "SPEAKER_01"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadRTTM() = %v, want %v", got, want)
	}
}

func TestReadRTTMMalformed(t *testing.T) {
	_, err := ReadRTTM(strings.NewReader("SPEAKER f 1 abc 1.0 <NA> <NA> S0 <NA> <NA>\n"))
	if err == nil {
		t.Error("expected parse error")
	}
}
