package audio

import (
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/snarg/courtscribe/internal/workspace"
)

const outputBitDepth = 16

// LoadWAV decodes a PCM WAV file and downmixes it to mono.
func LoadWAV(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Buffer{}, fmt.Errorf("%s: not a valid wav file", path)
	}
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("decode %s: %w", path, err)
	}

	chans := int(d.NumChans)
	if chans < 1 {
		chans = 1
	}
	depth := int(d.BitDepth)
	scale := float64(int64(1) << (depth - 1))
	offset := 0
	if depth == 8 {
		// 8-bit PCM is unsigned
		offset = 128
	}

	frames := len(pcm.Data) / chans
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < chans; c++ {
			sum += float64(pcm.Data[i*chans+c]-offset) / scale
		}
		out[i] = float32(sum / float64(chans))
	}
	return Buffer{Samples: out, SampleRate: int(d.SampleRate)}, nil
}

// SaveWAV writes b as 16-bit mono PCM through an atomic rename.
func SaveWAV(path string, b Buffer) error {
	if b.SampleRate <= 0 {
		return fmt.Errorf("save %s: invalid sample rate %d", path, b.SampleRate)
	}
	data := make([]int, len(b.Samples))
	const maxVal = 1<<(outputBitDepth-1) - 1
	for i, s := range b.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * maxVal))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: b.SampleRate},
		Data:           data,
		SourceBitDepth: outputBitDepth,
	}
	return workspace.WriteAtomic(path, func(f *os.File) error {
		enc := wav.NewEncoder(f, b.SampleRate, outputBitDepth, 1, 1)
		if err := enc.Write(buf); err != nil {
			return err
		}
		return enc.Close()
	})
}
