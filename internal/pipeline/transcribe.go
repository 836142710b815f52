package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snarg/courtscribe/internal/executor"
	"github.com/snarg/courtscribe/internal/metrics"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/workspace"
)

// transcribe runs speech-to-text over every extracted segment. A segment
// that fails gets the not-recognized text instead of failing the batch; a
// backend unreachable for every segment is a transient step error.
func (r *run) transcribe(ctx context.Context) (TranscriptionPayload, error) {
	ext, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, extractPort)
	if err != nil {
		return TranscriptionPayload{}, err
	}
	key := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(ext.SegmentsPath), "segments_"), ".json")
	out := r.ws.Path("transcription_" + key + ".json")

	var existing transcriptionFile
	if found, err := workspace.ReadJSON(out, &existing); err != nil {
		return TranscriptionPayload{}, err
	} else if found {
		r.artifactHit(StepTranscription, out)
		return TranscriptionPayload{TranscriptionPath: out, Total: existing.Meta.Total, Recognized: existing.Meta.Recognized}, nil
	}

	sf, err := readSegments(ext.SegmentsPath)
	if err != nil {
		return TranscriptionPayload{}, err
	}

	tr := r.o.deps.Transcriber
	results := make([]transcribedSegment, len(sf.Segments))
	var (
		mu        sync.Mutex
		failed    int
		transient int
		lastErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.opts.TranscribeConcurrency)
	for i, seg := range sf.Segments {
		g.Go(func() error {
			text, err := tr.Transcribe(gctx, seg.Path)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.TranscriptionFailuresTotal.Inc()
				r.log.Warn().Err(err).Int("segment", seg.Index).Msg("segment not recognized")
				mu.Lock()
				failed++
				if executor.IsTransient(err) {
					transient++
				}
				lastErr = err
				mu.Unlock()
				results[i] = transcribedSegment{segmentFile: seg, Text: r.o.opts.NotRecognizedText}
				return nil
			}
			results[i] = transcribedSegment{segmentFile: seg, Text: strings.TrimSpace(text), Recognized: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TranscriptionPayload{}, err
	}

	total := len(results)
	if total > 0 && transient == total {
		return TranscriptionPayload{}, executor.Transient(
			fmt.Errorf("transcription backend unreachable for all %d segments: %w", total, lastErr))
	}

	file := transcriptionFile{
		Meta: transcriptionMeta{
			Engine:     tr.Name(),
			Model:      tr.Model(),
			Language:   r.o.opts.Language,
			CreatedAt:  time.Now().UTC(),
			Total:      total,
			Recognized: total - failed,
		},
		Segments: results,
	}
	if err := workspace.WriteJSON(out, file); err != nil {
		return TranscriptionPayload{}, err
	}
	r.log.Info().Int("total", total).Int("recognized", total-failed).Msg("transcription done")
	return TranscriptionPayload{TranscriptionPath: out, Total: total, Recognized: total - failed}, nil
}
