package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAITranscriber uses the hosted OpenAI transcription API.
type OpenAITranscriber struct {
	client   oai.Client
	model    string
	language string
}

// NewOpenAITranscriber builds a transcriber. baseURL may be empty.
func NewOpenAITranscriber(apiKey, baseURL, model, language string, timeout time.Duration) (*OpenAITranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcriber: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries belong to the step executor
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	return &OpenAITranscriber{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: language,
	}, nil
}

func (t *OpenAITranscriber) Name() string  { return "openai" }
func (t *OpenAITranscriber) Model() string { return t.model }

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = oai.String(t.language)
	}
	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Service: "openai", Code: apiErr.StatusCode, Body: apiErr.Message}
		}
		return "", fmt.Errorf("openai transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
