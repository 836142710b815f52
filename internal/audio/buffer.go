package audio

import "math"

// Buffer is mono float PCM in [-1, 1] at SampleRate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the buffer length in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Resample converts b to dstRate using linear interpolation. The input is
// returned unchanged when the rates already match.
func Resample(b Buffer, dstRate int) Buffer {
	if dstRate <= 0 || b.SampleRate <= 0 || b.SampleRate == dstRate || len(b.Samples) < 2 {
		return Buffer{Samples: b.Samples, SampleRate: dstRate}
	}
	n := int(int64(len(b.Samples)) * int64(dstRate) / int64(b.SampleRate))
	out := make([]float32, n)
	ratio := float64(b.SampleRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := b.Samples[idx]
		s1 := s0
		if idx+1 < len(b.Samples) {
			s1 = b.Samples[idx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Buffer{Samples: out, SampleRate: dstRate}
}

// Slice returns the samples between start and end seconds, clipped to the
// buffer bounds. The result may be empty.
func Slice(b Buffer, start, end float64) Buffer {
	n := len(b.Samples)
	from := clampIndex(int(math.Floor(start*float64(b.SampleRate))), n)
	to := clampIndex(int(math.Ceil(end*float64(b.SampleRate))), n)
	if to <= from {
		return Buffer{SampleRate: b.SampleRate}
	}
	return Buffer{Samples: b.Samples[from:to], SampleRate: b.SampleRate}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// Mix zero-pads every track to the longest, sums them and peak-normalises
// the result. All tracks must share a sample rate.
func Mix(tracks []Buffer) Buffer {
	if len(tracks) == 0 {
		return Buffer{}
	}
	longest := 0
	for _, t := range tracks {
		if len(t.Samples) > longest {
			longest = len(t.Samples)
		}
	}
	sum := make([]float32, longest)
	for _, t := range tracks {
		for i, s := range t.Samples {
			sum[i] += s
		}
	}
	return Normalize(Buffer{Samples: sum, SampleRate: tracks[0].SampleRate})
}

// Normalize scales b so its largest absolute sample is 1. Silent input is
// returned unchanged.
func Normalize(b Buffer) Buffer {
	var peak float32
	for _, s := range b.Samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return b
	}
	out := make([]float32, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = s / peak
	}
	return Buffer{Samples: out, SampleRate: b.SampleRate}
}

// Concat joins buffers of the same rate.
func Concat(parts []Buffer, rate int) Buffer {
	total := 0
	for _, p := range parts {
		total += len(p.Samples)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p.Samples...)
	}
	return Buffer{Samples: out, SampleRate: rate}
}
