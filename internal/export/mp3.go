package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Converter encodes a WAV file as MP3.
type Converter interface {
	ToMP3(ctx context.Context, wavPath, mp3Path string) error
}

// FFmpegConverter shells out to ffmpeg.
type FFmpegConverter struct {
	Path    string // binary, default "ffmpeg"
	Bitrate string // default "192k"
}

// Check reports whether the ffmpeg binary is in PATH.
func (c FFmpegConverter) Check() error {
	_, err := exec.LookPath(c.bin())
	return err
}

func (c FFmpegConverter) bin() string {
	if c.Path == "" {
		return "ffmpeg"
	}
	return c.Path
}

// ToMP3 encodes into a temp file next to mp3Path and renames it into place.
func (c FFmpegConverter) ToMP3(ctx context.Context, wavPath, mp3Path string) error {
	bitrate := c.Bitrate
	if bitrate == "" {
		bitrate = "192k"
	}
	dir := filepath.Dir(mp3Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(mp3Path)+".tmp")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin(),
		"-y", "-loglevel", "error",
		"-i", wavPath,
		"-codec:a", "libmp3lame", "-b:a", bitrate,
		"-f", "mp3",
		tmp,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ffmpeg %s: %w: %s", filepath.Base(wavPath), err, strings.TrimSpace(stderr.String()))
	}
	if err := os.Rename(tmp, mp3Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
