// Package workspace manages the operation-scoped temporary directory and the
// write-to-temp-then-rename discipline every artifact goes through.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Directory names inside a workspace.
const (
	FinalDirName    = "final_results"
	SegmentsDirName = "segments"
)

// rename is swapped in tests to inject a crash between write and rename.
var rename = os.Rename

// Workspace is the exclusive artifact directory of one operation.
type Workspace struct {
	root string
}

// New returns the workspace for operationID under tmpRoot. Nothing is created
// on disk until Ensure is called.
func New(tmpRoot, operationID string) *Workspace {
	return &Workspace{root: filepath.Join(tmpRoot, operationID)}
}

// Ensure creates the workspace directories.
func (w *Workspace) Ensure() error {
	for _, dir := range []string{w.root, w.FinalDir(), w.SegmentsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

func (w *Workspace) Dir() string         { return w.root }
func (w *Workspace) FinalDir() string    { return filepath.Join(w.root, FinalDirName) }
func (w *Workspace) SegmentsDir() string { return filepath.Join(w.root, SegmentsDirName) }

// Path joins name onto the workspace root.
func (w *Workspace) Path(name ...string) string {
	return filepath.Join(append([]string{w.root}, name...)...)
}

// CleanIntermediate removes everything except final_results.
func (w *Workspace) CleanIntermediate() error {
	entries, err := os.ReadDir(w.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == FinalDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// WriteAtomic creates a temp file next to path, hands it to write, fsyncs it
// and renames it over path. On any error the temp file is removed and path is
// left untouched.
func WriteAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	return WriteAtomic(path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// WriteJSON atomically writes v as indented JSON.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, data)
}

// ReadJSON decodes path into v. A missing file reports found=false with a
// nil error; a present but undecodable file is an error.
func ReadJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
