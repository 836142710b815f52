package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/snarg/courtscribe/internal/audio"
	"github.com/snarg/courtscribe/internal/voiceprint"
)

// EmbeddingClient calls a speaker-embedding sidecar's /embed endpoint. The
// clip is sent as a 16-bit mono WAV; the reply is {"embedding": [...]}.
type EmbeddingClient struct {
	baseURL string
	scratch string // directory for the temporary WAV
	client  *http.Client
}

func NewEmbeddingClient(baseURL, scratchDir string, timeout time.Duration) *EmbeddingClient {
	return &EmbeddingClient{
		baseURL: baseURL,
		scratch: scratchDir,
		client:  &http.Client{Timeout: timeout},
	}
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (c *EmbeddingClient) Embed(ctx context.Context, clip audio.Buffer) (voiceprint.Vector, error) {
	if err := os.MkdirAll(c.scratch, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir scratch: %w", err)
	}
	tmp, err := os.CreateTemp(c.scratch, "voiceprint-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := audio.SaveWAV(tmpPath, clip); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", "clip.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Service: "embedding", Code: resp.StatusCode, Body: string(body)}
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("embedding error: %s", result.Error)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}
	return voiceprint.Vector(result.Embedding), nil
}
