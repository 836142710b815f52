package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snarg/courtscribe/internal/audio"
	"github.com/snarg/courtscribe/internal/interval"
	"github.com/snarg/courtscribe/internal/voiceprint"
)

var bank = []float64{300, 500, 700, 900}

// goertzel returns the normalised power of freq in samples.
func goertzel(samples []float32, rate int, freq float64) float64 {
	coeff := 2 * math.Cos(2*math.Pi*freq/float64(rate))
	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + coeff*s1 - s2
		s2, s1 = s1, s0
	}
	n := float64(len(samples))
	if n == 0 {
		return 0
	}
	return (s1*s1 + s2*s2 - coeff*s1*s2) / (n * n)
}

type toneSpan struct {
	freq       float64
	start, end float64
}

// writeMic writes a microphone recording of the given length carrying the
// given tones.
func writeMic(t *testing.T, path string, rate int, seconds float64, spans ...toneSpan) {
	t.Helper()
	n := int(seconds * float64(rate))
	b := audio.Buffer{Samples: make([]float32, n), SampleRate: rate}
	for i := range b.Samples {
		ts := float64(i) / float64(rate)
		for _, s := range spans {
			if ts >= s.start && ts < s.end {
				b.Samples[i] += float32(0.5 * math.Sin(2*math.Pi*s.freq*ts))
			}
		}
	}
	require.NoError(t, audio.SaveWAV(path, b))
}

// toneDiarizer tags 0.1 s frames by their dominant bank frequency and maps
// each frequency to a fixed anonymous tag.
type toneDiarizer struct {
	tags  map[float64]string
	calls atomic.Int64
}

func (d *toneDiarizer) Diarize(_ context.Context, path string, _ int) ([]interval.Interval, error) {
	d.calls.Add(1)
	b, err := audio.LoadWAV(path)
	if err != nil {
		return nil, err
	}
	frame := b.SampleRate / 10
	var out []interval.Interval
	for k := 0; (k+1)*frame <= len(b.Samples); k++ {
		chunk := b.Samples[k*frame : (k+1)*frame]
		var sum float64
		for _, s := range chunk {
			sum += float64(s) * float64(s)
		}
		if math.Sqrt(sum/float64(len(chunk))) < 0.05 {
			continue
		}
		best, bestPow := 0.0, -1.0
		for _, f := range bank {
			if p := goertzel(chunk, b.SampleRate, f); p > bestPow {
				best, bestPow = f, p
			}
		}
		start := float64(k) / 10
		out = append(out, interval.Interval{Start: start, End: start + 0.1, Speaker: d.tags[best]})
	}
	return out, nil
}

// bankEmbedder projects a clip onto the tone bank.
type bankEmbedder struct {
	calls atomic.Int64
}

func (e *bankEmbedder) Embed(_ context.Context, clip audio.Buffer) (voiceprint.Vector, error) {
	e.calls.Add(1)
	v := make(voiceprint.Vector, len(bank))
	for i, f := range bank {
		v[i] = float32(math.Sqrt(goertzel(clip.Samples, clip.SampleRate, f)))
	}
	return v, nil
}

// fakeTranscriber returns "speech <file>" unless fail says otherwise.
type fakeTranscriber struct {
	calls atomic.Int64
	fail  func(path string) error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	f.calls.Add(1)
	if f.fail != nil {
		if err := f.fail(path); err != nil {
			return "", err
		}
	}
	return " speech " + filepath.Base(path) + " ", nil
}

func (f *fakeTranscriber) Name() string  { return "fake" }
func (f *fakeTranscriber) Model() string { return "tone-1" }

// copyConverter "encodes" by copying bytes.
type copyConverter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *copyConverter) ToMP3(_ context.Context, wavPath, mp3Path string) error {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(mp3Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(mp3Path, data, 0o644)
}

func (c *copyConverter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
