// Package pipeline chains the seven transcription steps for an operation.
// Each step runs through the step executor, reads the typed payloads of
// earlier steps from the state store and writes its own, so a chain can be
// re-submitted at any point and replays finished steps without recomputing.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/config"
	"github.com/snarg/courtscribe/internal/executor"
	"github.com/snarg/courtscribe/internal/export"
	"github.com/snarg/courtscribe/internal/inference"
	"github.com/snarg/courtscribe/internal/metrics"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/storage"
	"github.com/snarg/courtscribe/internal/voiceprint"
	"github.com/snarg/courtscribe/internal/workspace"
)

var (
	// ErrNoInputAudio is an input error: the operation has no WAV files.
	ErrNoInputAudio = errors.New("no input audio")
	// ErrReservedLabel is an input error: a microphone file is named after
	// the label given to unmapped speakers.
	ErrReservedLabel = errors.New("microphone label is reserved")
	// ErrMalformedIntervals is an input error: diarization output is unusable.
	ErrMalformedIntervals = errors.New("malformed intervals")
	// ErrAlreadyRunning is returned when a chain is already active for the operation.
	ErrAlreadyRunning = errors.New("operation already running")
	// ErrNoPool is returned by Start when the orchestrator has no worker pool.
	ErrNoPool = errors.New("no worker pool configured")
)

// Notifier is told about operation state changes.
type Notifier interface {
	OperationChanged(ctx context.Context, op stepstate.Operation)
}

// Deps are the collaborators of the chain.
type Deps struct {
	Store       stepstate.Store
	Segments    stepstate.SegmentStore
	Diarizer    inference.Diarizer
	Embedder    voiceprint.Embedder
	Transcriber inference.Transcriber
	Objects     storage.ObjectStore
	Converter   export.Converter
	Pool        *Pool    // nil allows only RunChain
	Notifier    Notifier // optional
}

// Options are the tunables of the chain.
type Options struct {
	AudioDir              string
	TmpDir                string
	MergeSampleRate       int
	DiarizationSampleRate int
	SegmentSampleRate     int
	PadEnd                float64
	Seed                  int64
	VoiceprintMaxSeconds  float64
	UnmappedPolicy        voiceprint.UnmappedPolicy
	UnknownLabel          string
	NotRecognizedText     string
	TranscribeConcurrency int
	Language              string
	ObjectPrefix          string

	TransientMaxRetries int
	RetryBackoffBase    time.Duration
	RetryBackoffMax     time.Duration
	RetryJitter         float64
	StepSoftTimeLimit   time.Duration
}

// OptionsFromConfig copies the chain settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AudioDir:              cfg.AudioDir,
		TmpDir:                cfg.TmpDir,
		MergeSampleRate:       cfg.MergeSampleRate,
		DiarizationSampleRate: cfg.DiarizationSampleRate,
		SegmentSampleRate:     cfg.SegmentSampleRate,
		PadEnd:                cfg.PadEnd,
		Seed:                  cfg.RandomSeed,
		VoiceprintMaxSeconds:  cfg.VoiceprintMaxSeconds,
		UnmappedPolicy:        voiceprint.UnmappedPolicy(cfg.UnmappedPolicy),
		UnknownLabel:          cfg.UnknownLabel,
		NotRecognizedText:     cfg.NotRecognizedText,
		TranscribeConcurrency: cfg.TranscribeConcurrency,
		Language:              cfg.TranscribeLanguage,
		ObjectPrefix:          cfg.S3.Prefix,
		TransientMaxRetries:   cfg.TransientMaxRetries,
		RetryBackoffBase:      cfg.RetryBackoffBase,
		RetryBackoffMax:       cfg.RetryBackoffMax,
		RetryJitter:           cfg.RetryJitter,
		StepSoftTimeLimit:     cfg.StepSoftTimeLimit,
	}
}

// stepDef is one node of the chain.
type stepDef struct {
	name          string
	class         Class
	progressStart int
	progressDone  int
	retry         bool
}

var chain = []stepDef{
	{StepMergeAudio, ClassCPU, 5, 10, false},
	{StepDiarization, ClassGPU, 15, 25, false},
	{StepMergeIntervals, ClassCPU, 30, 35, false},
	{StepVADHungarian, ClassCPU, 40, 50, false},
	{StepExtractSegments, ClassCPU, 55, 65, false},
	{StepTranscription, ClassCPU, 70, 85, true},
	{StepExportResults, ClassCPU, 90, 100, true},
}

// Steps returns the step names in chain order.
func Steps() []string {
	out := make([]string, len(chain))
	for i, s := range chain {
		out[i] = s.name
	}
	return out
}

func stepIndex(name string) int {
	for i, s := range chain {
		if s.name == name {
			return i
		}
	}
	return -1
}

// Orchestrator runs chains. Safe for concurrent use across operations.
type Orchestrator struct {
	deps Deps
	opts Options
	exec *executor.Executor
	log  zerolog.Logger

	mu     sync.Mutex
	active map[string]string // operation id -> task handle
}

func New(deps Deps, opts Options, log zerolog.Logger, execOpts ...executor.Option) *Orchestrator {
	if opts.UnknownLabel == "" {
		opts.UnknownLabel = "Unknown"
	}
	if opts.UnmappedPolicy == "" {
		opts.UnmappedPolicy = voiceprint.LabelUnknown
	}
	if opts.TranscribeConcurrency <= 0 {
		opts.TranscribeConcurrency = 1
	}
	log = log.With().Str("component", "pipeline").Logger()
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		exec:   executor.New(deps.Store, log, execOpts...),
		log:    log,
		active: make(map[string]string),
	}
}

func (o *Orchestrator) spec(s stepDef) executor.Spec {
	policy := executor.NoRetry(o.opts.StepSoftTimeLimit)
	if s.retry {
		policy = executor.TransientRetry(o.opts.TransientMaxRetries, o.opts.RetryBackoffBase,
			o.opts.RetryBackoffMax, o.opts.RetryJitter, o.opts.StepSoftTimeLimit)
	}
	return executor.Spec{
		Step:          s.name,
		ProgressStart: s.progressStart,
		ProgressDone:  s.progressDone,
		Policy:        policy,
	}
}

// Status returns the pollable operation record.
func (o *Orchestrator) Status(ctx context.Context, operationID string) (stepstate.Operation, error) {
	return o.deps.Store.GetOperation(ctx, operationID)
}

// Start submits the chain for operationID to the worker pool, creating the
// operation if it does not exist. It returns the task handle. Finished steps
// are skipped; an operation whose steps are all DONE is finalized in place.
func (o *Orchestrator) Start(ctx context.Context, operationID string) (string, error) {
	if o.deps.Pool == nil {
		return "", ErrNoPool
	}
	if _, err := o.deps.Store.GetOperation(ctx, operationID); errors.Is(err, stepstate.ErrOperationNotFound) {
		if err := o.deps.Store.CreateOperation(ctx, stepstate.Operation{ID: operationID}); err != nil {
			return "", fmt.Errorf("create operation: %w", err)
		}
	} else if err != nil {
		return "", err
	}

	from, err := o.firstPending(ctx, operationID)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if h, ok := o.active[operationID]; ok {
		o.mu.Unlock()
		return h, ErrAlreadyRunning
	}
	handle := uuid.NewString()
	o.active[operationID] = handle
	o.mu.Unlock()

	if from < 0 {
		defer o.release(operationID)
		return handle, o.finalize(ctx, operationID)
	}

	if err := o.deps.Store.SetTaskHandle(ctx, operationID, handle); err != nil {
		o.release(operationID)
		return "", err
	}
	if err := o.deps.Pool.TryEnqueue(o.job(operationID, from)); err != nil {
		o.release(operationID)
		return "", fmt.Errorf("submit %s: %w", chain[from].name, err)
	}
	o.log.Info().Str("operation_id", operationID).Str("task_id", handle).Str("from", chain[from].name).Msg("chain submitted")
	return handle, nil
}

// job wraps step i for the pool. On success it hands the next step off to
// its lane.
func (o *Orchestrator) job(operationID string, i int) Job {
	s := chain[i]
	return Job{
		Class:       s.class,
		OperationID: operationID,
		Step:        s.name,
		Run: func(ctx context.Context) {
			err := o.runStep(ctx, operationID, s)
			switch {
			case err == nil && i+1 < len(chain):
				o.deps.Pool.handoff(o.job(operationID, i+1))
				return
			case err == nil:
				if ferr := o.finalize(ctx, operationID); ferr != nil {
					o.log.Error().Err(ferr).Str("operation_id", operationID).Msg("finalize failed")
				}
			case ctx.Err() != nil:
				o.log.Warn().Str("operation_id", operationID).Str("step", s.name).Msg("chain interrupted, will resume")
			default:
				o.fail(ctx, operationID, err)
			}
			o.release(operationID)
		},
	}
}

func (o *Orchestrator) release(operationID string) {
	o.mu.Lock()
	delete(o.active, operationID)
	o.mu.Unlock()
}

// Active reports the number of chains in flight.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// RunChain runs the chain synchronously from step from (empty means the
// first unfinished step). Steps already DONE replay without recomputation.
func (o *Orchestrator) RunChain(ctx context.Context, operationID, from string) error {
	if _, err := o.deps.Store.GetOperation(ctx, operationID); errors.Is(err, stepstate.ErrOperationNotFound) {
		if err := o.deps.Store.CreateOperation(ctx, stepstate.Operation{ID: operationID}); err != nil {
			return fmt.Errorf("create operation: %w", err)
		}
	} else if err != nil {
		return err
	}

	var start int
	if from != "" {
		if start = stepIndex(from); start < 0 {
			return fmt.Errorf("unknown step %q", from)
		}
	} else {
		first, err := o.firstPending(ctx, operationID)
		if err != nil {
			return err
		}
		if first < 0 {
			return o.finalize(ctx, operationID)
		}
		start = first
	}

	for _, s := range chain[start:] {
		if err := o.runStep(ctx, operationID, s); err != nil {
			if ctx.Err() == nil {
				o.fail(ctx, operationID, err)
			}
			return err
		}
	}
	return o.finalize(ctx, operationID)
}

// Resume re-submits every PENDING or RUNNING operation from its first
// unfinished step. Called once at startup.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	ops, err := o.deps.Store.ListOperations(ctx, stepstate.StatusPending, stepstate.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		if _, err := o.Start(ctx, op.ID); err != nil {
			o.log.Warn().Err(err).Str("operation_id", op.ID).Msg("resume failed")
			continue
		}
		n++
	}
	if n > 0 {
		o.log.Info().Int("operations", n).Msg("resumed unfinished operations")
	}
	return n, nil
}

// firstPending returns the index of the first step not DONE, or -1.
func (o *Orchestrator) firstPending(ctx context.Context, operationID string) (int, error) {
	recs, err := o.deps.Store.ListSteps(ctx, operationID)
	if err != nil {
		return 0, err
	}
	done := make(map[string]bool, len(recs))
	for _, r := range recs {
		done[r.Step] = r.Status == stepstate.StatusDone
	}
	for i, s := range chain {
		if !done[s.name] {
			return i, nil
		}
	}
	return -1, nil
}

func (o *Orchestrator) runStep(ctx context.Context, operationID string, s stepDef) error {
	r := o.newRun(operationID, s.name)
	done, err := r.done(ctx, s.name)
	if err != nil {
		return err
	}
	if done {
		metrics.StepReplaysTotal.WithLabelValues(s.name).Inc()
		r.log.Info().Msg("step output present, skipping")
		return nil
	}
	_, err = o.exec.Run(ctx, operationID, o.spec(s), r.unit(s.name))
	o.notify(ctx, operationID)
	return err
}

// finalize marks the operation DONE and removes intermediate artifacts.
func (o *Orchestrator) finalize(ctx context.Context, operationID string) error {
	out, err := stepstate.Read(ctx, o.deps.Store, operationID, exportPort)
	if err != nil {
		return fmt.Errorf("read export payload: %w", err)
	}
	if err := o.deps.Store.MarkDone(ctx, operationID, out.JSONKey, out.DocxKey); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	metrics.OperationsTotal.WithLabelValues(string(stepstate.StatusDone)).Inc()
	if err := workspace.New(o.opts.TmpDir, operationID).CleanIntermediate(); err != nil {
		o.log.Warn().Err(err).Str("operation_id", operationID).Msg("cleanup failed")
	}
	o.log.Info().Str("operation_id", operationID).Str("result", out.JSONKey).Msg("operation done")
	o.notify(ctx, operationID)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, operationID string, cause error) {
	if err := o.deps.Store.MarkFailed(ctx, operationID); err != nil {
		o.log.Error().Err(err).Str("operation_id", operationID).Msg("mark failed")
	}
	metrics.OperationsTotal.WithLabelValues(string(stepstate.StatusFailed)).Inc()
	o.log.Error().Err(cause).Str("operation_id", operationID).Msg("operation failed")
	o.notify(ctx, operationID)
}

func (o *Orchestrator) notify(ctx context.Context, operationID string) {
	if o.deps.Notifier == nil {
		return
	}
	op, err := o.deps.Store.GetOperation(ctx, operationID)
	if err != nil {
		return
	}
	o.deps.Notifier.OperationChanged(ctx, op)
}

// run carries one step invocation's context.
type run struct {
	o    *Orchestrator
	opID string
	ws   *workspace.Workspace
	log  zerolog.Logger
}

func (o *Orchestrator) newRun(operationID, step string) *run {
	return &run{
		o:    o,
		opID: operationID,
		ws:   workspace.New(o.opts.TmpDir, operationID),
		log:  o.log.With().Str("operation_id", operationID).Str("step", step).Logger(),
	}
}

func (r *run) unit(step string) executor.Work {
	switch step {
	case StepMergeAudio:
		return compute(r, mergePort, r.mergeAudio)
	case StepDiarization:
		return compute(r, diarizationPort, r.diarize)
	case StepMergeIntervals:
		return compute(r, mergeIntervalsPort, r.mergeIntervals)
	case StepVADHungarian:
		return compute(r, vadPort, r.reconcile)
	case StepExtractSegments:
		return compute(r, extractPort, r.extractSegments)
	case StepTranscription:
		return compute(r, transcriptionPort, r.transcribe)
	case StepExportResults:
		return compute(r, exportPort, r.exportResults)
	}
	return func(context.Context) (json.RawMessage, error) {
		return nil, fmt.Errorf("unknown step %q", step)
	}
}

// done reports whether step has a DONE record with a valid payload.
func (r *run) done(ctx context.Context, step string) (bool, error) {
	switch step {
	case StepMergeAudio:
		return stored(ctx, r, mergePort)
	case StepDiarization:
		return stored(ctx, r, diarizationPort)
	case StepMergeIntervals:
		return stored(ctx, r, mergeIntervalsPort)
	case StepVADHungarian:
		return stored(ctx, r, vadPort)
	case StepExtractSegments:
		return stored(ctx, r, extractPort)
	case StepTranscription:
		return stored(ctx, r, transcriptionPort)
	case StepExportResults:
		return stored(ctx, r, exportPort)
	}
	return false, fmt.Errorf("unknown step %q", step)
}

// stored looks up port's DONE payload. A payload that fails validation
// reports false so the step is recomputed.
func stored[T any](ctx context.Context, r *run, port stepstate.Port[T]) (bool, error) {
	_, ok, err := stepstate.Lookup(ctx, r.o.deps.Store, r.opID, port)
	if errors.Is(err, stepstate.ErrInvalidPayload) {
		r.log.Warn().Err(err).Msg("stored payload invalid, recomputing")
		return false, nil
	}
	return ok, err
}

// compute wraps fn as the step's unit of work and mirrors the encoded
// payload to the workspace.
func compute[T any](r *run, port stepstate.Port[T], fn func(ctx context.Context) (T, error)) executor.Work {
	return func(ctx context.Context) (json.RawMessage, error) {
		if err := r.ws.Ensure(); err != nil {
			return nil, err
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		data, err := stepstate.Encode(port, v)
		if err != nil {
			return nil, err
		}
		mirror := r.ws.Path("payloads", strings.ToLower(port.Step)+".json")
		if err := workspace.WriteFile(mirror, data); err != nil {
			return nil, err
		}
		return data, nil
	}
}

// artifactHit counts a replay satisfied by an artifact already on disk.
func (r *run) artifactHit(step, path string) {
	metrics.StepReplaysTotal.WithLabelValues(step).Inc()
	r.log.Info().Str("artifact", path).Msg("artifact present, skipping computation")
}
