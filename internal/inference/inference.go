// Package inference holds the clients for the model sidecars: diarization,
// speaker embedding and speech-to-text. Each is consumed as a black box.
package inference

import (
	"context"
	"fmt"
	"net/http"

	"github.com/snarg/courtscribe/internal/interval"
)

// Diarizer segments a mono 16 kHz recording into anonymous speaker turns.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, speakers int) ([]interval.Interval, error)
}

// Transcriber turns one audio segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Name() string  // "whisper", "openai"
	Model() string // model identifier for payload meta and logs
}

// StatusError is a non-200 reply from a sidecar.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.Code, e.Body)
}

// Retryable reports 5xx, 408 and 429 replies as worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}
