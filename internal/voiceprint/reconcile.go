package voiceprint

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/courtscribe/internal/audio"
	"github.com/snarg/courtscribe/internal/interval"
)

// Embedder computes a voiceprint for a clip of speech.
type Embedder interface {
	Embed(ctx context.Context, clip audio.Buffer) (Vector, error)
}

// Reference is the recording of one known participant.
type Reference struct {
	Label string
	Audio audio.Buffer
}

// Options tunes voiceprint extraction.
type Options struct {
	Seed int64
	// MaxSeconds caps the voiced audio fed to the embedder per speaker;
	// longer material is sampled in ChunkSeconds pieces.
	MaxSeconds   float64
	ChunkSeconds float64
	VAD          audio.VADConfig
	Concurrency  int
}

// Reconciler builds voiceprints and assigns anonymous tags to references.
type Reconciler struct {
	embedder Embedder
	opts     Options
	log      zerolog.Logger
}

func NewReconciler(embedder Embedder, opts Options, log zerolog.Logger) *Reconciler {
	if opts.ChunkSeconds <= 0 {
		opts.ChunkSeconds = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.VAD.FrameSeconds <= 0 {
		opts.VAD = audio.DefaultVAD
	}
	return &Reconciler{embedder: embedder, opts: opts, log: log}
}

// Reconcile maps every tag in intervals to at most one reference label.
// Tags or references without usable speech are left out of the assignment
// and reported as unmapped or unused.
func (r *Reconciler) Reconcile(ctx context.Context, merged audio.Buffer, intervals []interval.Interval, refs []Reference) (Mapping, error) {
	tags := interval.Speakers(intervals)

	anonClips := make(map[string]audio.Buffer, len(tags))
	for _, tag := range tags {
		var parts []audio.Buffer
		for _, iv := range intervals {
			if iv.Speaker == tag {
				parts = append(parts, audio.Slice(merged, iv.Start, iv.End))
			}
		}
		anonClips[tag] = audio.Concat(parts, merged.SampleRate)
	}
	refClips := make(map[string]audio.Buffer, len(refs))
	for _, ref := range refs {
		refClips[ref.Label] = ref.Audio
	}

	anon, err := r.embedAll(ctx, anonClips)
	if err != nil {
		return Mapping{}, fmt.Errorf("anonymous voiceprints: %w", err)
	}
	known, err := r.embedAll(ctx, refClips)
	if err != nil {
		return Mapping{}, fmt.Errorf("reference voiceprints: %w", err)
	}

	m, err := Assign(anon, known)
	if err != nil {
		return Mapping{}, err
	}
	for _, tag := range tags {
		if _, ok := anon[tag]; !ok {
			m.Unmapped = append(m.Unmapped, tag)
		}
	}
	for _, ref := range refs {
		if _, ok := known[ref.Label]; !ok {
			m.Unused = append(m.Unused, ref.Label)
		}
	}
	sort.Strings(m.Unmapped)
	sort.Strings(m.Unused)

	r.log.Debug().
		Int("anonymous", len(tags)).
		Int("references", len(refs)).
		Int("mapped", len(m.Labels)).
		Strs("unmapped", m.Unmapped).
		Float64("cost", m.Cost).
		Msg("voiceprints reconciled")
	return m, nil
}

// embedAll embeds every clip concurrently. Clips with no voiced audio are
// omitted from the result.
func (r *Reconciler) embedAll(ctx context.Context, clips map[string]audio.Buffer) (map[string]Vector, error) {
	names := make([]string, 0, len(clips))
	for n := range clips {
		names = append(names, n)
	}
	sort.Strings(names)

	vectors := make([]Vector, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, name := range names {
		sample := r.sample(name, clips[name])
		if len(sample.Samples) == 0 {
			r.log.Warn().Str("speaker", name).Msg("no voiced audio, skipping voiceprint")
			continue
		}
		g.Go(func() error {
			v, err := r.embedder.Embed(gctx, sample)
			if err != nil {
				return fmt.Errorf("embed %s: %w", name, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]Vector, len(names))
	for i, name := range names {
		if vectors[i] != nil {
			out[name] = vectors[i]
		}
	}
	return out, nil
}

// sample keeps the voiced part of clip and, when it exceeds MaxSeconds,
// draws chunks with a generator seeded from the configured seed and the
// speaker name. The draw is independent of scheduling order.
func (r *Reconciler) sample(name string, clip audio.Buffer) audio.Buffer {
	voiced := audio.Voiced(clip, r.opts.VAD)
	if r.opts.MaxSeconds <= 0 || voiced.Duration() <= r.opts.MaxSeconds {
		return voiced
	}

	h := fnv.New64a()
	h.Write([]byte(name))
	rng := rand.New(rand.NewSource(r.opts.Seed ^ int64(h.Sum64())))

	chunk := int(r.opts.ChunkSeconds * float64(voiced.SampleRate))
	if chunk <= 0 || len(voiced.Samples) < chunk {
		return voiced
	}
	nChunks := len(voiced.Samples) / chunk
	want := int(r.opts.MaxSeconds / r.opts.ChunkSeconds)
	if want < 1 {
		want = 1
	}
	picked := rng.Perm(nChunks)
	if len(picked) > want {
		picked = picked[:want]
	}
	sort.Ints(picked)

	parts := make([]audio.Buffer, 0, len(picked))
	for _, c := range picked {
		parts = append(parts, audio.Buffer{
			Samples:    voiced.Samples[c*chunk : (c+1)*chunk],
			SampleRate: voiced.SampleRate,
		})
	}
	return audio.Concat(parts, voiced.SampleRate)
}
