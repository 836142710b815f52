package audio

import "math"

// VADConfig tunes the energy voice-activity detector.
type VADConfig struct {
	FrameSeconds float64 // analysis frame length
	// ThresholdRatio is the frame RMS, relative to the loudest frame, above
	// which a frame counts as speech.
	ThresholdRatio float64
	// MinRMS is an absolute floor so near-silent buffers yield no speech.
	MinRMS float64
}

// DefaultVAD is tuned for 8-16 kHz speech.
var DefaultVAD = VADConfig{FrameSeconds: 0.03, ThresholdRatio: 0.1, MinRMS: 1e-3}

// Region is a voiced span in seconds.
type Region struct {
	Start, End float64
}

// VoicedRegions returns the speech spans of b, merging adjacent voiced frames.
func VoicedRegions(b Buffer, cfg VADConfig) []Region {
	frame := int(cfg.FrameSeconds * float64(b.SampleRate))
	if frame <= 0 || len(b.Samples) == 0 {
		return nil
	}
	n := (len(b.Samples) + frame - 1) / frame
	rms := make([]float64, n)
	var peak float64
	for i := 0; i < n; i++ {
		from := i * frame
		to := min(from+frame, len(b.Samples))
		var sum float64
		for _, s := range b.Samples[from:to] {
			sum += float64(s) * float64(s)
		}
		rms[i] = math.Sqrt(sum / float64(to-from))
		peak = math.Max(peak, rms[i])
	}
	threshold := math.Max(peak*cfg.ThresholdRatio, cfg.MinRMS)

	var out []Region
	open := -1
	for i := 0; i <= n; i++ {
		voiced := i < n && rms[i] >= threshold
		switch {
		case voiced && open < 0:
			open = i
		case !voiced && open >= 0:
			out = append(out, Region{
				Start: float64(open*frame) / float64(b.SampleRate),
				End:   float64(min(i*frame, len(b.Samples))) / float64(b.SampleRate),
			})
			open = -1
		}
	}
	return out
}

// Voiced concatenates the voiced regions of b.
func Voiced(b Buffer, cfg VADConfig) Buffer {
	regions := VoicedRegions(b, cfg)
	parts := make([]Buffer, 0, len(regions))
	for _, r := range regions {
		parts = append(parts, Slice(b, r.Start, r.End))
	}
	return Concat(parts, b.SampleRate)
}
