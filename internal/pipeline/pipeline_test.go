package pipeline

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/courtscribe/internal/executor"
	"github.com/snarg/courtscribe/internal/export"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/storage"
	"github.com/snarg/courtscribe/internal/workspace"
)

const opID = "op-2026-0042"

type harness struct {
	root        string
	store       *stepstate.MemoryStore
	objects     *storage.LocalStore
	diarizer    *toneDiarizer
	embedder    *bankEmbedder
	transcriber *fakeTranscriber
	converter   *copyConverter
	orch        *Orchestrator
}

func testOptions(root string) Options {
	return Options{
		AudioDir:              filepath.Join(root, "audio"),
		TmpDir:                filepath.Join(root, "tmp"),
		MergeSampleRate:       8000,
		DiarizationSampleRate: 16000,
		SegmentSampleRate:     8000,
		PadEnd:                0.4,
		Seed:                  42,
		VoiceprintMaxSeconds:  30,
		UnknownLabel:          "Unknown",
		NotRecognizedText:     "Text could not be recognized",
		TranscribeConcurrency: 2,
		Language:              "ru",
		ObjectPrefix:          "segments",
		TransientMaxRetries:   2,
		RetryBackoffBase:      time.Millisecond,
		RetryBackoffMax:       time.Millisecond,
	}
}

func newHarness(t *testing.T, pool *Pool) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:    root,
		store:   stepstate.NewMemoryStore(),
		objects: storage.NewLocalStore(filepath.Join(root, "results")),
		diarizer: &toneDiarizer{tags: map[float64]string{
			300: "SPEAKER_02", 500: "SPEAKER_00", 700: "SPEAKER_01", 900: "SPEAKER_03",
		}},
		embedder:    &bankEmbedder{},
		transcriber: &fakeTranscriber{},
		converter:   &copyConverter{},
	}
	h.orch = New(Deps{
		Store:       h.store,
		Segments:    h.store,
		Diarizer:    h.diarizer,
		Embedder:    h.embedder,
		Transcriber: h.transcriber,
		Objects:     h.objects,
		Converter:   h.converter,
		Pool:        pool,
	}, testOptions(root), zerolog.Nop(),
		executor.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return h
}

// writeCourtroom writes three microphones of different lengths, each
// carrying one tone in its own window.
func (h *harness) writeCourtroom(t *testing.T) {
	t.Helper()
	dir := filepath.Join(h.root, "audio", opID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeMic(t, filepath.Join(dir, "judge.wav"), 8000, 3, toneSpan{300, 0, 2})
	writeMic(t, filepath.Join(dir, "clerk.wav"), 8000, 5, toneSpan{500, 2.5, 4.5})
	writeMic(t, filepath.Join(dir, "prosecutor.wav"), 8000, 7, toneSpan{700, 5, 6.5})
}

func (h *harness) manifest(t *testing.T) []export.Entry {
	t.Helper()
	var entries []export.Entry
	found, err := workspace.ReadJSON(filepath.Join(h.root, "tmp", opID, workspace.FinalDirName, manifestName), &entries)
	require.NoError(t, err)
	require.True(t, found, "manifest missing")
	return entries
}

func TestRunChainEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	ctx := context.Background()

	require.NoError(t, h.orch.RunChain(ctx, opID, ""))

	op, err := h.orch.Status(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, stepstate.StatusDone, op.Status)
	assert.Equal(t, 100, op.Progress)
	assert.Equal(t, stepstate.StepFinished, op.Step)
	assert.Equal(t, "segments/"+opID+"/pipeline_intervals.json", op.ResultLocator)
	assert.Equal(t, "segments/"+opID+"/pipeline_result.docx", op.DocxLocator)

	recs, err := h.store.ListSteps(ctx, opID)
	require.NoError(t, err)
	require.Len(t, recs, len(chain))
	for _, r := range recs {
		assert.Equal(t, stepstate.StatusDone, r.Status, r.Step)
	}

	// consecutive frames coalesce into one interval per speaker turn
	mi, err := stepstate.Read(ctx, h.store, opID, mergeIntervalsPort)
	require.NoError(t, err)
	assert.Equal(t, 3, mi.Count)

	vad, err := stepstate.Read(ctx, h.store, opID, vadPort)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"SPEAKER_02": "judge",
		"SPEAKER_00": "clerk",
		"SPEAKER_01": "prosecutor",
	}, vad.SpeakerToLabel)
	assert.Empty(t, vad.Unmapped)

	entries := h.manifest(t)
	require.Len(t, entries, mi.Count)
	speakers := []string{entries[0].Speaker, entries[1].Speaker, entries[2].Speaker}
	assert.Equal(t, []string{"judge", "clerk", "prosecutor"}, speakers)
	ids := map[int]bool{}
	for _, e := range entries {
		ids[e.SpeakerID] = true
		require.NotNil(t, e.FileURL)
		assert.True(t, strings.HasPrefix(*e.FileURL, "file://"))
		assert.True(t, strings.HasPrefix(e.Transcription, "speech seg_"), e.Transcription)
	}
	assert.Len(t, ids, 3, "speaker ids must be distinct")
	assert.Equal(t, 1, entries[0].SpeakerID) // clerk, judge, prosecutor sorted
	assert.InDelta(t, 0.0, entries[0].Start, 1e-9)
	assert.InDelta(t, 2.4, entries[0].End, 1e-6)

	segs, total, err := h.store.ListSegments(ctx, opID, stepstate.SegmentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, "segments/"+opID+"/seg_0000_judge.mp3", segs[0].FileName)

	for _, key := range []string{manifestName, docxName, mergedMP3, "seg_0001_clerk.mp3"} {
		_, ok, err := h.objects.ContentHash(ctx, "segments/"+opID+"/"+key)
		require.NoError(t, err)
		assert.True(t, ok, "object %s not uploaded", key)
	}

	ws := workspace.New(filepath.Join(h.root, "tmp"), opID)
	assert.False(t, workspace.Exists(ws.Path(mergedName)), "intermediates must be cleaned")
	assert.True(t, workspace.Exists(filepath.Join(ws.FinalDir(), docxName)))
	assert.EqualValues(t, 1, h.diarizer.calls.Load())
}

func TestRunChainReplayIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	ctx := context.Background()

	require.NoError(t, h.orch.RunChain(ctx, opID, ""))
	first := h.manifest(t)
	diar, emb, tr, conv := h.diarizer.calls.Load(), h.embedder.calls.Load(), h.transcriber.calls.Load(), h.converter.count()

	// forced re-submission from the first step
	require.NoError(t, h.orch.RunChain(ctx, opID, StepMergeAudio))

	assert.Equal(t, diar, h.diarizer.calls.Load(), "diarization recomputed")
	assert.Equal(t, emb, h.embedder.calls.Load(), "voiceprints recomputed")
	assert.Equal(t, tr, h.transcriber.calls.Load(), "transcription recomputed")
	assert.Equal(t, conv, h.converter.count(), "mp3 re-encoded")
	assert.Equal(t, first, h.manifest(t))

	_, total, _ := h.store.ListSegments(ctx, opID, stepstate.SegmentFilter{})
	assert.Equal(t, 3, total, "segment rows duplicated")

	op, _ := h.orch.Status(ctx, opID)
	assert.Equal(t, stepstate.StatusDone, op.Status)
}

func TestResumeAfterExportFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	ctx := context.Background()

	h.converter.err = errors.New("lame: unsupported sample format")
	err := h.orch.RunChain(ctx, opID, "")
	var stepErr *executor.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepExportResults, stepErr.Step)

	op, _ := h.orch.Status(ctx, opID)
	assert.Equal(t, stepstate.StatusFailed, op.Status)
	assert.Equal(t, stepstate.StepFailed, op.Step)
	assert.Equal(t, 90, op.Progress, "progress stalls at the failed step")

	// the last successful step's output is still there for diagnosis
	tp, err := stepstate.Read(ctx, h.store, opID, transcriptionPort)
	require.NoError(t, err)
	assert.True(t, workspace.Exists(tp.TranscriptionPath))

	h.converter.err = nil
	require.NoError(t, h.orch.RunChain(ctx, opID, ""))
	op, _ = h.orch.Status(ctx, opID)
	assert.Equal(t, stepstate.StatusDone, op.Status)
	assert.EqualValues(t, 1, h.diarizer.calls.Load())
	assert.EqualValues(t, 3, h.transcriber.calls.Load())
}

// A crash after a step renamed its artifact into place but before DONE was
// recorded leaves RUNNING records; the rerun must pick the artifacts up.
func TestRerunReusesArtifactsOfUnrecordedSteps(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	ctx := context.Background()

	h.converter.err = errors.New("lame: unsupported sample format")
	require.Error(t, h.orch.RunChain(ctx, opID, ""))
	diar, emb, tr := h.diarizer.calls.Load(), h.embedder.calls.Load(), h.transcriber.calls.Load()

	steps := Steps()
	for _, step := range steps[:len(steps)-1] {
		require.NoError(t, h.store.WriteStep(ctx, opID, step, nil, stepstate.StatusRunning))
	}

	h.converter.err = nil
	require.NoError(t, h.orch.RunChain(ctx, opID, ""))

	assert.Equal(t, diar, h.diarizer.calls.Load(), "diarization recomputed")
	assert.Equal(t, emb, h.embedder.calls.Load(), "voiceprints recomputed")
	assert.Equal(t, tr, h.transcriber.calls.Load(), "transcription recomputed")
	for _, step := range steps {
		rec, err := h.store.ReadStep(ctx, opID, step)
		require.NoError(t, err)
		assert.Equal(t, stepstate.StatusDone, rec.Status, step)
	}
	op, _ := h.orch.Status(ctx, opID)
	assert.Equal(t, stepstate.StatusDone, op.Status)
	assert.Len(t, h.manifest(t), 3)
}

func TestTranscriptionSentinelPerSegment(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	h.transcriber.fail = func(path string) error {
		if strings.Contains(path, "clerk") {
			return errors.New("decoder: empty lattice")
		}
		return nil
	}
	ctx := context.Background()

	require.NoError(t, h.orch.RunChain(ctx, opID, ""))

	tp, err := stepstate.Read(ctx, h.store, opID, transcriptionPort)
	require.NoError(t, err)
	assert.Equal(t, 3, tp.Total)
	assert.Equal(t, 2, tp.Recognized)

	entries := h.manifest(t)
	assert.Equal(t, "Text could not be recognized", entries[1].Transcription)
	assert.NotEqual(t, "Text could not be recognized", entries[0].Transcription)
}

func TestTranscriptionBackendDownRetriesThenFails(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	h.transcriber.fail = func(string) error {
		return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	ctx := context.Background()

	err := h.orch.RunChain(ctx, opID, "")
	var stepErr *executor.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepTranscription, stepErr.Step)
	assert.Equal(t, stepstate.StatusFailed, stepErr.Status)
	assert.Equal(t, 3, stepErr.Attempts)
	assert.EqualValues(t, 9, h.transcriber.calls.Load(), "3 attempts x 3 segments")

	op, _ := h.orch.Status(ctx, opID)
	assert.Equal(t, stepstate.StatusFailed, op.Status)
}

func TestNoInputAudioFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "audio"), 0o755))
	ctx := context.Background()

	err := h.orch.RunChain(ctx, opID, "")
	require.ErrorIs(t, err, ErrNoInputAudio)

	rec, err := h.store.ListSteps(ctx, opID)
	require.NoError(t, err)
	require.Len(t, rec, 1)
	assert.Equal(t, stepstate.StatusFailed, rec[0].Status)
	assert.EqualValues(t, 0, h.diarizer.calls.Load())
}

func TestMicrophoneNamedLikeUnknownLabelFails(t *testing.T) {
	h := newHarness(t, nil)
	h.writeCourtroom(t)
	writeMic(t, filepath.Join(h.root, "audio", opID, "unknown.wav"), 8000, 3, toneSpan{900, 0, 2})
	ctx := context.Background()

	err := h.orch.RunChain(ctx, opID, "")
	require.ErrorIs(t, err, ErrReservedLabel)

	var stepErr *executor.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepMergeAudio, stepErr.Step)
	assert.Equal(t, 1, stepErr.Attempts, "input errors are not retried")
	assert.EqualValues(t, 0, h.diarizer.calls.Load())
}

func TestUnmappedSpeakerLabelledUnknown(t *testing.T) {
	h := newHarness(t, nil)
	dir := filepath.Join(h.root, "audio", opID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeMic(t, filepath.Join(dir, "judge.wav"), 8000, 3, toneSpan{300, 0, 2})
	// a second voice bleeds into the clerk's microphone
	writeMic(t, filepath.Join(dir, "clerk.wav"), 8000, 7, toneSpan{500, 2.5, 4.5}, toneSpan{900, 5, 6.5})
	ctx := context.Background()

	require.NoError(t, h.orch.RunChain(ctx, opID, ""))

	vad, err := stepstate.Read(ctx, h.store, opID, vadPort)
	require.NoError(t, err)
	assert.Equal(t, []string{"SPEAKER_03"}, vad.Unmapped)
	assert.Equal(t, "clerk", vad.SpeakerToLabel["SPEAKER_00"])

	entries := h.manifest(t)
	require.Len(t, entries, 3)
	assert.Equal(t, "Unknown", entries[2].Speaker)
	assert.Equal(t, export.UnknownSpeakerID, entries[2].SpeakerID)
}

func TestRunChainUnknownStep(t *testing.T) {
	h := newHarness(t, nil)
	err := h.orch.RunChain(context.Background(), opID, "TRANSLATE")
	require.Error(t, err)
}

func TestStartWithoutPool(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Start(context.Background(), opID)
	require.ErrorIs(t, err, ErrNoPool)
}

func TestStartOnPool(t *testing.T) {
	pool := NewPool(PoolOptions{CPUWorkers: 2, GPUWorkers: 1, QueueSize: 8, Log: zerolog.Nop()})
	pool.Start()
	defer pool.Stop()

	h := newHarness(t, pool)
	h.writeCourtroom(t)
	ctx := context.Background()

	handle, err := h.orch.Start(ctx, opID)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	require.Eventually(t, func() bool {
		op, err := h.orch.Status(ctx, opID)
		return err == nil && op.Status.Terminal()
	}, 20*time.Second, 20*time.Millisecond)

	op, _ := h.orch.Status(ctx, opID)
	assert.Equal(t, stepstate.StatusDone, op.Status)
	assert.Equal(t, handle, op.TaskHandle)
	require.Eventually(t, func() bool { return h.orch.Active() == 0 }, 5*time.Second, 10*time.Millisecond)

	// a finished operation re-submitted is finalized in place
	_, err = h.orch.Start(ctx, opID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.diarizer.calls.Load())
}

func TestResumePicksUpRunningOperations(t *testing.T) {
	pool := NewPool(PoolOptions{CPUWorkers: 1, GPUWorkers: 1, QueueSize: 8, Log: zerolog.Nop()})
	pool.Start()
	defer pool.Stop()

	h := newHarness(t, pool)
	h.writeCourtroom(t)
	ctx := context.Background()

	// the process died while exporting
	h.converter.err = errors.New("killed")
	require.Error(t, h.orch.RunChain(ctx, opID, ""))
	p := 90
	require.NoError(t, h.store.SetOperationStatus(ctx, opID, StepExportResults, stepstate.StatusRunning, &p))
	h.converter.mu.Lock()
	h.converter.err = nil
	h.converter.mu.Unlock()

	n, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		op, _ := h.orch.Status(ctx, opID)
		return op.Status == stepstate.StatusDone
	}, 20*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, h.diarizer.calls.Load())
	assert.EqualValues(t, 3, h.transcriber.calls.Load())
}

func TestSafeLabel(t *testing.T) {
	tests := map[string]string{
		"judge":          "judge",
		"Судья":          "Судья",
		"defense lawyer": "defense_lawyer",
		"a/b:c":          "a_b_c",
		"v1.2-x_y":       "v1.2-x_y",
	}
	for in, want := range tests {
		if got := safeLabel(in); got != want {
			t.Errorf("safeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSteps(t *testing.T) {
	assert.Equal(t, []string{
		"MERGE_AUDIO", "DIARIZATION", "MERGE_INTERVALS", "VAD_HUNGARIAN",
		"EXTRACT_SEGMENTS", "TRANSCRIPTION", "EXPORT_RESULTS",
	}, Steps())
}
