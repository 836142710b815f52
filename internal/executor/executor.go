// Package executor runs one pipeline step with status transitions, retry
// classification and failure isolation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/metrics"
	"github.com/snarg/courtscribe/internal/stepstate"
)

// Spec describes one step invocation.
type Spec struct {
	Step          string
	ProgressStart int
	ProgressDone  int
	Policy        RetryPolicy
}

// Work is a step's unit of work. It must check for an existing output and
// return it without recomputing, and it must honor ctx cancellation.
type Work func(ctx context.Context) (json.RawMessage, error)

// StepError is the terminal failure of a step.
type StepError struct {
	Step     string
	Status   stepstate.Status
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s %s after %d attempt(s): %v", e.Step, e.Status, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor wraps units of work. Safe for concurrent use across operations.
type Executor struct {
	store stepstate.Store
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRandSource fixes the jitter source.
func WithRandSource(src rand.Source) Option {
	return func(e *Executor) { e.rng = rand.New(src) }
}

func New(store stepstate.Store, log zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store: store,
		log:   log,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes work under spec and returns the persisted payload. Transient
// failures are retried within the policy budget; an attempt past the soft
// time limit ends in FAILED_TIMEOUT; anything else ends in FAILED. Every
// terminal error is a *StepError.
func (e *Executor) Run(ctx context.Context, operationID string, spec Spec, work Work) (json.RawMessage, error) {
	log := e.log.With().Str("operation_id", operationID).Str("step", spec.Step).Logger()

	for attempt := 1; ; attempt++ {
		if err := e.transition(ctx, operationID, spec.Step, nil, stepstate.StatusRunning, &spec.ProgressStart); err != nil {
			return nil, err
		}
		log.Info().Int("attempt", attempt).Msg("step started")

		start := time.Now()
		payload, err := e.attempt(ctx, spec.Policy.SoftTimeLimit, work)
		elapsed := time.Since(start)
		metrics.StepDuration.WithLabelValues(spec.Step).Observe(elapsed.Seconds())

		if err == nil {
			if err := e.transition(ctx, operationID, spec.Step, payload, stepstate.StatusDone, &spec.ProgressDone); err != nil {
				return nil, err
			}
			metrics.StepRunsTotal.WithLabelValues(spec.Step, string(stepstate.StatusDone)).Inc()
			log.Info().Int("attempt", attempt).Dur("elapsed", elapsed).Msg("step done")
			return payload, nil
		}

		switch {
		case errors.Is(err, ErrSoftTimeLimit):
			log.Error().Err(err).Int("attempt", attempt).Dur("elapsed", elapsed).Msg("step soft time limit exceeded")
			return nil, e.fail(ctx, operationID, spec.Step, stepstate.StatusFailedTimeout, attempt, err)

		case ctx.Err() != nil:
			// shut down mid-step; the record stays non-terminal for a later resume
			log.Warn().Err(err).Int("attempt", attempt).Msg("step interrupted")
			return nil, err

		case spec.Policy.retryable(err) && attempt <= spec.Policy.MaxRetries:
			backoff := e.backoff(spec.Policy, attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("step temporary error, retrying")
			if terr := e.transition(ctx, operationID, spec.Step, nil, stepstate.StatusRetrying, nil); terr != nil {
				return nil, terr
			}
			metrics.StepRetriesTotal.WithLabelValues(spec.Step).Inc()
			if serr := e.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}

		case spec.Policy.retryable(err):
			log.Error().Err(err).Int("attempt", attempt).Msg("step retries exhausted")
			return nil, e.fail(ctx, operationID, spec.Step, stepstate.StatusFailed, attempt, err)

		default:
			log.Error().Err(err).Int("attempt", attempt).Msg("step failed permanently")
			return nil, e.fail(ctx, operationID, spec.Step, stepstate.StatusFailed, attempt, err)
		}
	}
}

// attempt runs work once, bounded by the soft limit when one is set.
func (e *Executor) attempt(ctx context.Context, limit time.Duration, work Work) (json.RawMessage, error) {
	if limit <= 0 {
		return work(ctx)
	}
	actx, cancel := context.WithTimeoutCause(ctx, limit, ErrSoftTimeLimit)
	defer cancel()
	payload, err := work(actx)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(actx), ErrSoftTimeLimit) {
		return nil, fmt.Errorf("%w after %s: %v", ErrSoftTimeLimit, limit, err)
	}
	return payload, err
}

func (e *Executor) fail(ctx context.Context, operationID, step string, status stepstate.Status, attempts int, cause error) error {
	metrics.StepRunsTotal.WithLabelValues(step, string(status)).Inc()
	stepErr := &StepError{Step: step, Status: status, Attempts: attempts, Err: cause}
	if err := e.transition(ctx, operationID, step, nil, status, nil); err != nil {
		return errors.Join(stepErr, err)
	}
	return stepErr
}

// transition writes the step record and the operation pointer.
func (e *Executor) transition(ctx context.Context, operationID, step string, payload json.RawMessage, status stepstate.Status, progress *int) error {
	if err := e.store.WriteStep(ctx, operationID, step, payload, status); err != nil {
		return fmt.Errorf("write step %s %s: %w", step, status, err)
	}
	if err := e.store.SetOperationStatus(ctx, operationID, step, status, progress); err != nil {
		return fmt.Errorf("set operation status %s: %w", status, err)
	}
	return nil
}

func (e *Executor) backoff(p RetryPolicy, attempt int) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.Backoff(attempt, e.rng)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
