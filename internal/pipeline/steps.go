package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/snarg/courtscribe/internal/audio"
	"github.com/snarg/courtscribe/internal/interval"
	"github.com/snarg/courtscribe/internal/metrics"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/voiceprint"
	"github.com/snarg/courtscribe/internal/workspace"
)

// Artifact names inside the operation workspace.
const (
	mergedName         = "Merged.wav"
	diarizationInput   = "diarization_input_16k.wav"
	diarizationDir     = "diarization_rttm"
	mergedIntervalsJSN = "merged_intervals.json"
	vadJSON            = "vad_hungarian.json"
)

// mergeAudio mixes the operation's microphone recordings into Merged.wav.
func (r *run) mergeAudio(ctx context.Context) (MergePayload, error) {
	rate := r.o.opts.MergeSampleRate
	dir := audio.ResolveInputDir(r.o.opts.AudioDir, r.opID)
	sources, err := audio.ListWAVs(dir)
	if errors.Is(err, os.ErrNotExist) {
		return MergePayload{}, fmt.Errorf("%w: %s does not exist", ErrNoInputAudio, dir)
	}
	if err != nil {
		return MergePayload{}, fmt.Errorf("list input audio: %w", err)
	}
	if len(sources) == 0 {
		return MergePayload{}, fmt.Errorf("%w in %s", ErrNoInputAudio, dir)
	}
	for _, src := range sources {
		if strings.EqualFold(audio.Label(src), r.o.opts.UnknownLabel) {
			return MergePayload{}, fmt.Errorf("%w: %s collides with the unknown speaker label %q",
				ErrReservedLabel, filepath.Base(src), r.o.opts.UnknownLabel)
		}
	}

	out := r.ws.Path(mergedName)
	payload := MergePayload{MergedAudioPath: out, SampleRate: rate, Sources: sources}
	if workspace.Exists(out) {
		r.artifactHit(StepMergeAudio, out)
		return payload, nil
	}

	tracks := make([]audio.Buffer, 0, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return MergePayload{}, err
		}
		b, err := audio.LoadWAV(src)
		if err != nil {
			return MergePayload{}, fmt.Errorf("load %s: %w", filepath.Base(src), err)
		}
		tracks = append(tracks, audio.Resample(b, rate))
	}
	merged := audio.Mix(tracks)
	if err := audio.SaveWAV(out, merged); err != nil {
		return MergePayload{}, err
	}
	r.log.Info().Int("sources", len(sources)).Float64("duration", merged.Duration()).Msg("audio merged")
	return payload, nil
}

// diarize runs speaker diarization over a 16 kHz copy of the merged audio
// and writes the padded turns as RTTM.
func (r *run) diarize(ctx context.Context) (DiarizationPayload, error) {
	merge, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, mergePort)
	if err != nil {
		return DiarizationPayload{}, err
	}
	pad := r.o.opts.PadEnd
	stem := strings.TrimSuffix(filepath.Base(merge.MergedAudioPath), filepath.Ext(merge.MergedAudioPath))
	rttmPath := r.ws.Path(diarizationDir, fmt.Sprintf("%s_pad%s.rttm", stem, strconv.FormatFloat(pad, 'f', -1, 64)))

	if workspace.Exists(rttmPath) {
		turns, err := readRTTM(rttmPath)
		if err != nil {
			return DiarizationPayload{}, err
		}
		r.artifactHit(StepDiarization, rttmPath)
		return diarizationPayload(rttmPath, pad, turns), nil
	}

	merged, err := audio.LoadWAV(merge.MergedAudioPath)
	if err != nil {
		return DiarizationPayload{}, fmt.Errorf("load merged audio: %w", err)
	}
	input := r.ws.Path(diarizationInput)
	if err := audio.SaveWAV(input, audio.Resample(merged, r.o.opts.DiarizationSampleRate)); err != nil {
		return DiarizationPayload{}, err
	}

	raw, err := r.o.deps.Diarizer.Diarize(ctx, input, len(merge.Sources))
	if err != nil {
		return DiarizationPayload{}, fmt.Errorf("diarize: %w", err)
	}
	turns := interval.SortByStart(interval.PadEnd(interval.Normalize(raw), pad))
	if dropped := len(raw) - len(turns); dropped > 0 {
		r.log.Warn().Int("dropped", dropped).Msg("discarded degenerate diarization turns")
	}

	err = workspace.WriteAtomic(rttmPath, func(f *os.File) error {
		return interval.WriteRTTM(f, stem, turns)
	})
	if err != nil {
		return DiarizationPayload{}, err
	}
	out := diarizationPayload(rttmPath, pad, turns)
	r.log.Info().Int("intervals", out.IntervalCount).Int("speakers", out.SpeakerCount).Msg("diarization done")
	return out, nil
}

func diarizationPayload(path string, pad float64, turns []interval.Interval) DiarizationPayload {
	return DiarizationPayload{
		RTTMPath:      path,
		PadEnd:        pad,
		SpeakerCount:  len(interval.Speakers(turns)),
		IntervalCount: len(turns),
	}
}

func readRTTM(path string) ([]interval.Interval, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	turns, err := interval.ReadRTTM(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntervals, err)
	}
	return turns, nil
}

// mergeIntervals coalesces consecutive same-speaker turns.
func (r *run) mergeIntervals(ctx context.Context) (MergeIntervalsPayload, error) {
	diar, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, diarizationPort)
	if err != nil {
		return MergeIntervalsPayload{}, err
	}
	out := r.ws.Path(mergedIntervalsJSN)

	var existing []interval.Interval
	found, err := workspace.ReadJSON(out, &existing)
	if err != nil {
		return MergeIntervalsPayload{}, err
	}
	if found {
		r.artifactHit(StepMergeIntervals, out)
		return MergeIntervalsPayload{IntervalsPath: out, Count: len(existing)}, nil
	}

	turns, err := readRTTM(diar.RTTMPath)
	if err != nil {
		return MergeIntervalsPayload{}, err
	}
	merged := interval.MergeConsecutive(turns)
	if err := workspace.WriteJSON(out, merged); err != nil {
		return MergeIntervalsPayload{}, err
	}
	r.log.Info().Int("turns", len(turns)).Int("merged", len(merged)).Msg("intervals merged")
	return MergeIntervalsPayload{IntervalsPath: out, Count: len(merged)}, nil
}

func readIntervals(path string) ([]interval.Interval, error) {
	var ivs []interval.Interval
	found, err := workspace.ReadJSON(path, &ivs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntervals, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s missing", ErrMalformedIntervals, filepath.Base(path))
	}
	for i, iv := range ivs {
		if iv.End < iv.Start {
			return nil, fmt.Errorf("%w: interval %d ends before it starts", ErrMalformedIntervals, i)
		}
	}
	return ivs, nil
}

// reconcile maps anonymous tags to reference labels and relabels the merged
// intervals.
func (r *run) reconcile(ctx context.Context) (VADPayload, error) {
	merge, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, mergePort)
	if err != nil {
		return VADPayload{}, err
	}
	mi, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, mergeIntervalsPort)
	if err != nil {
		return VADPayload{}, err
	}
	out := r.ws.Path(vadJSON)

	var existing vadFile
	found, err := workspace.ReadJSON(out, &existing)
	if err != nil {
		return VADPayload{}, err
	}
	if found && existing.SpeakerToLabel != nil {
		r.artifactHit(StepVADHungarian, out)
		return VADPayload{VADPath: out, SpeakerToLabel: existing.SpeakerToLabel, Unmapped: existing.Unmapped}, nil
	}

	intervals, err := readIntervals(mi.IntervalsPath)
	if err != nil {
		return VADPayload{}, err
	}
	merged, err := audio.LoadWAV(merge.MergedAudioPath)
	if err != nil {
		return VADPayload{}, fmt.Errorf("load merged audio: %w", err)
	}
	refs := make([]voiceprint.Reference, 0, len(merge.Sources))
	for _, src := range merge.Sources {
		b, err := audio.LoadWAV(src)
		if err != nil {
			return VADPayload{}, fmt.Errorf("load %s: %w", filepath.Base(src), err)
		}
		refs = append(refs, voiceprint.Reference{Label: audio.Label(src), Audio: audio.Resample(b, merged.SampleRate)})
	}

	rec := voiceprint.NewReconciler(r.o.deps.Embedder, voiceprint.Options{
		Seed:       r.o.opts.Seed,
		MaxSeconds: r.o.opts.VoiceprintMaxSeconds,
	}, r.log)
	m, err := rec.Reconcile(ctx, merged, intervals, refs)
	if err != nil {
		return VADPayload{}, err
	}
	if len(m.Unmapped) > 0 {
		r.log.Warn().Strs("unmapped", m.Unmapped).Str("policy", string(r.o.opts.UnmappedPolicy)).Msg("anonymous speakers without a reference")
	}
	relabelled := voiceprint.ApplyMapping(intervals, m, r.o.opts.UnmappedPolicy, r.o.opts.UnknownLabel)

	file := vadFile{
		SpeakerToLabel: m.Labels,
		Unmapped:       m.Unmapped,
		Unused:         m.Unused,
		Cost:           m.Cost,
		Policy:         string(r.o.opts.UnmappedPolicy),
		Intervals:      relabelled,
	}
	if err := workspace.WriteJSON(out, file); err != nil {
		return VADPayload{}, err
	}
	r.log.Info().Int("mapped", len(m.Labels)).Int("intervals", len(relabelled)).Msg("speakers reconciled")
	return VADPayload{VADPath: out, SpeakerToLabel: m.Labels, Unmapped: m.Unmapped}, nil
}

// extractSegments cuts one WAV per relabelled interval from the labelled
// speaker's own microphone. Unknown speakers are cut from the merged track.
func (r *run) extractSegments(ctx context.Context) (ExtractPayload, error) {
	merge, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, mergePort)
	if err != nil {
		return ExtractPayload{}, err
	}
	vad, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, vadPort)
	if err != nil {
		return ExtractPayload{}, err
	}
	var vf vadFile
	found, err := workspace.ReadJSON(vad.VADPath, &vf)
	if err != nil {
		return ExtractPayload{}, err
	}
	if !found {
		return ExtractPayload{}, fmt.Errorf("%w: %s missing", ErrMalformedIntervals, filepath.Base(vad.VADPath))
	}

	hash, err := segmentsHash(vf.Intervals, vf.SpeakerToLabel)
	if err != nil {
		return ExtractPayload{}, err
	}
	out := r.ws.Path(workspace.SegmentsDirName, "segments_"+hash+".json")

	var existing segmentsFile
	if found, err := workspace.ReadJSON(out, &existing); err != nil {
		return ExtractPayload{}, err
	} else if found {
		r.artifactHit(StepExtractSegments, out)
		return ExtractPayload{SegmentsPath: out, Count: len(existing.Segments)}, nil
	}

	rate := r.o.opts.SegmentSampleRate
	byLabel := make(map[string]string, len(merge.Sources))
	for _, src := range merge.Sources {
		byLabel[audio.Label(src)] = src
	}
	byLabel[r.o.opts.UnknownLabel] = merge.MergedAudioPath

	loaded := make(map[string]audio.Buffer)
	load := func(path string) (audio.Buffer, error) {
		if b, ok := loaded[path]; ok {
			return b, nil
		}
		b, err := audio.LoadWAV(path)
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("load %s: %w", filepath.Base(path), err)
		}
		b = audio.Resample(b, rate)
		loaded[path] = b
		return b, nil
	}

	var result segmentsFile
	for idx, iv := range vf.Intervals {
		if err := ctx.Err(); err != nil {
			return ExtractPayload{}, err
		}
		log := r.log.With().Int("interval", idx).Str("speaker", iv.Speaker).Logger()
		src, ok := byLabel[iv.Speaker]
		if !ok {
			log.Warn().Msg("no audio for speaker, skipping interval")
			metrics.SegmentsSkippedTotal.WithLabelValues("no_audio").Inc()
			result.Skipped++
			continue
		}
		if iv.End <= iv.Start {
			log.Warn().Float64("start", iv.Start).Float64("end", iv.End).Msg("end <= start, skipping interval")
			metrics.SegmentsSkippedTotal.WithLabelValues("inverted").Inc()
			result.Skipped++
			continue
		}
		b, err := load(src)
		if err != nil {
			return ExtractPayload{}, err
		}
		seg := audio.Slice(b, iv.Start, iv.End)
		if len(seg.Samples) == 0 {
			log.Warn().Msg("empty after clipping, skipping interval")
			metrics.SegmentsSkippedTotal.WithLabelValues("empty").Inc()
			result.Skipped++
			continue
		}
		path := r.ws.Path(workspace.SegmentsDirName, fmt.Sprintf("seg_%04d_%s.wav", idx, safeLabel(iv.Speaker)))
		if err := audio.SaveWAV(path, seg); err != nil {
			return ExtractPayload{}, err
		}
		result.Segments = append(result.Segments, segmentFile{
			Index:   idx,
			Start:   iv.Start,
			End:     iv.End,
			Speaker: iv.Speaker,
			Path:    path,
			Source:  src,
		})
	}

	if err := workspace.WriteJSON(out, result); err != nil {
		return ExtractPayload{}, err
	}
	r.log.Info().Int("segments", len(result.Segments)).Int("skipped", result.Skipped).Msg("segments extracted")
	return ExtractPayload{SegmentsPath: out, Count: len(result.Segments)}, nil
}

// segmentsHash keys the segment cache on its upstream inputs.
func segmentsHash(ivs []interval.Interval, mapping map[string]string) (string, error) {
	h := sha256.New()
	a, err := json.Marshal(ivs)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(mapping) // map keys marshal sorted
	if err != nil {
		return "", err
	}
	h.Write(a)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// safeLabel keeps letters, digits and "._-"; anything else becomes "_".
func safeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, label)
}

func readSegments(path string) (segmentsFile, error) {
	var sf segmentsFile
	found, err := workspace.ReadJSON(path, &sf)
	if err != nil {
		return sf, err
	}
	if !found {
		return sf, fmt.Errorf("segments file %s missing", filepath.Base(path))
	}
	return sf, nil
}
