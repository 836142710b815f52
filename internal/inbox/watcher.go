// Package inbox starts operations when their audio upload completes. An
// uploader writes the microphone files into <AUDIO_DIR>/<operation_id>/ and
// drops a .complete marker last.
package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe/internal/stepstate"
)

// MarkerName is the file whose appearance means the upload is finished.
const MarkerName = ".complete"

const debounce = 500 * time.Millisecond

// Runner is the part of the orchestrator the watcher drives.
type Runner interface {
	Start(ctx context.Context, operationID string) (string, error)
	Status(ctx context.Context, operationID string) (stepstate.Operation, error)
}

// Watcher monitors the audio root for completion markers.
type Watcher struct {
	runner  Runner
	root    string
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	started atomic.Int64
	skipped atomic.Int64
}

func New(runner Runner, audioRoot string, log zerolog.Logger) *Watcher {
	return &Watcher{
		runner:         runner,
		root:           audioRoot,
		log:            log.With().Str("component", "inbox").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start watches the root and every operation directory under it, then
// submits operations whose marker is already present. The watcher stops
// when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	entries, err := os.ReadDir(w.root)
	if err != nil {
		fw.Close()
		return err
	}
	var pending []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := fw.Add(dir); err != nil {
			w.log.Warn().Err(err).Str("path", dir).Msg("failed to watch directory")
			continue
		}
		if fileExists(filepath.Join(dir, MarkerName)) {
			pending = append(pending, e.Name())
		}
	}
	w.log.Info().Str("audio_dir", w.root).Int("directories", len(entries)).Msg("inbox watcher initialized")

	go w.loop(ctx)
	for _, id := range pending {
		w.submit(ctx, id)
	}
	return nil
}

// Stop closes the fsnotify watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.log.Info().
		Int64("started", w.started.Load()).
		Int64("skipped", w.skipped.Load()).
		Msg("inbox watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(event.Name) == filepath.Clean(w.root) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
					// the marker may have landed before the watch was added
					if fileExists(filepath.Join(event.Name, MarkerName)) {
						w.schedule(ctx, filepath.Join(event.Name, MarkerName))
					}
				}
				continue
			}
			if filepath.Base(event.Name) != MarkerName {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// schedule coalesces Create+Write bursts on one marker.
func (w *Watcher) schedule(ctx context.Context, marker string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[marker]; ok {
		t.Reset(debounce)
		return
	}
	w.debounceTimers[marker] = time.AfterFunc(debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, marker)
		w.debounceMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.submit(ctx, filepath.Base(filepath.Dir(marker)))
	})
}

// submit starts operationID unless it already reached DONE or FAILED. A
// failed operation is retried by an operator, not by a leftover marker.
func (w *Watcher) submit(ctx context.Context, operationID string) {
	log := w.log.With().Str("operation_id", operationID).Logger()

	op, err := w.runner.Status(ctx, operationID)
	switch {
	case err == nil && op.Status.Terminal():
		w.skipped.Add(1)
		log.Debug().Str("status", string(op.Status)).Msg("operation already terminal, marker ignored")
		return
	case err != nil && !errors.Is(err, stepstate.ErrOperationNotFound):
		log.Warn().Err(err).Msg("status lookup failed")
		return
	}

	handle, err := w.runner.Start(ctx, operationID)
	if err != nil {
		w.skipped.Add(1)
		log.Warn().Err(err).Msg("start from inbox failed")
		return
	}
	w.started.Add(1)
	log.Info().Str("task_id", handle).Msg("operation started from inbox")
}

// Started is the number of operations submitted so far.
func (w *Watcher) Started() int64 { return w.started.Load() }

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
