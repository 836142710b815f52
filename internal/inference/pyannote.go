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
	"path/filepath"
	"time"

	"github.com/snarg/courtscribe/internal/interval"
)

// PyannoteClient calls a pyannote HTTP sidecar's /diarize endpoint.
type PyannoteClient struct {
	baseURL string
	client  *http.Client
}

func NewPyannoteClient(baseURL string, timeout time.Duration) *PyannoteClient {
	return &PyannoteClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type pyannoteResponse struct {
	Segments    []pyannoteSegment `json:"segments"`
	NumSpeakers int               `json:"num_speakers"`
	Error       string            `json:"error,omitempty"`
}

type pyannoteSegment struct {
	SpeakerID string  `json:"speaker_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Diarize uploads the recording and returns the speaker turns in reply order.
func (p *PyannoteClient) Diarize(ctx context.Context, audioPath string, speakers int) ([]interval.Interval, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if speakers > 0 {
		w.WriteField("num_speakers", fmt.Sprintf("%d", speakers))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/diarize", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diarization request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Service: "diarization", Code: resp.StatusCode, Body: string(body)}
	}

	var result pyannoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode diarization response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("diarization error: %s", result.Error)
	}

	out := make([]interval.Interval, len(result.Segments))
	for i, seg := range result.Segments {
		out[i] = interval.Interval{Start: seg.StartTime, End: seg.EndTime, Speaker: seg.SpeakerID}
	}
	return out, nil
}

// Health probes GET /health.
func (p *PyannoteClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("diarization health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Service: "diarization", Code: resp.StatusCode}
	}
	return nil
}
