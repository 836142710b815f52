package audio

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveInputDir picks the directory holding an operation's microphone
// recordings: audioDir/operationID when it exists, otherwise audioDir itself.
func ResolveInputDir(audioDir, operationID string) string {
	if operationID != "" {
		candidate := filepath.Join(audioDir, operationID)
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate
		}
	}
	return audioDir
}

// ListWAVs returns the .wav files directly inside dir, sorted by name.
// Hidden files and subdirectories are ignored.
func ListWAVs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(name), ".wav") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Label returns the speaker label a reference file stands for: its stem.
func Label(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
