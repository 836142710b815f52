package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snarg/courtscribe/internal/audio"
)

func writeTone(t *testing.T, dir string) string {
	t.Helper()
	buf := audio.Buffer{Samples: make([]float32, 1600), SampleRate: 16000}
	for i := range buf.Samples {
		buf.Samples[i] = 0.25
		if i%2 == 0 {
			buf.Samples[i] = -0.25
		}
	}
	path := filepath.Join(dir, "clip.wav")
	if err := audio.SaveWAV(path, buf); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPyannoteDiarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/diarize" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("audio"); err != nil {
			http.Error(w, "missing audio", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("num_speakers"); got != "3" {
			http.Error(w, "num_speakers="+got, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(pyannoteResponse{
			Segments: []pyannoteSegment{
				{SpeakerID: "SPEAKER_00", StartTime: 0.5, EndTime: 2.25},
				{SpeakerID: "SPEAKER_01", StartTime: 2.5, EndTime: 4},
			},
			NumSpeakers: 2,
		})
	}))
	defer srv.Close()

	c := NewPyannoteClient(srv.URL, 5*time.Second)
	got, err := c.Diarize(context.Background(), writeTone(t, t.TempDir()), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Speaker != "SPEAKER_00" || got[1].Start != 2.5 || got[1].End != 4 {
		t.Errorf("Diarize = %+v", got)
	}
}

func TestPyannoteStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cuda out of memory", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewPyannoteClient(srv.URL, 5*time.Second)
	_, err := c.Diarize(context.Background(), writeTone(t, t.TempDir()), 0)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || !se.Retryable() {
		t.Errorf("StatusError = %+v retryable=%v", se, se.Retryable())
	}
	if err := c.Health(context.Background()); err == nil {
		t.Error("Health: expected error")
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{502, true},
	}
	for _, tt := range tests {
		if got := (&StatusError{Code: tt.code}).Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestEmbeddingClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			http.NotFound(w, r)
			return
		}
		f, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, "missing audio", http.StatusBadRequest)
			return
		}
		f.Close()
		w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer srv.Close()

	scratch := t.TempDir()
	c := NewEmbeddingClient(srv.URL, scratch, 5*time.Second)
	clip := audio.Buffer{Samples: make([]float32, 800), SampleRate: 16000}
	vec, err := c.Embed(context.Background(), clip)
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("Embed = %v", vec)
	}
	left, _ := os.ReadDir(scratch)
	if len(left) != 0 {
		t.Errorf("scratch dir not cleaned: %d entries", len(left))
	}
}

func TestEmbeddingEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding":[]}`))
	}))
	defer srv.Close()

	c := NewEmbeddingClient(srv.URL, t.TempDir(), 5*time.Second)
	if _, err := c.Embed(context.Background(), audio.Buffer{Samples: make([]float32, 10), SampleRate: 16000}); err == nil {
		t.Error("expected error for empty embedding")
	}
}

func TestWhisperTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("model") != "large-v3" || r.FormValue("language") != "ru" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"text":"  Заседание открыто. ","language":"ru"}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "large-v3", TranscribeOpts{Language: "ru"}, 5*time.Second)
	text, err := c.Transcribe(context.Background(), writeTone(t, t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if text != "Заседание открыто." {
		t.Errorf("Transcribe = %q", text)
	}
	if c.Name() != "whisper" || c.Model() != "large-v3" {
		t.Errorf("Name/Model = %s/%s", c.Name(), c.Model())
	}
}

func TestWhisperBadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported format", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "", TranscribeOpts{}, 5*time.Second)
	_, err := c.Transcribe(context.Background(), writeTone(t, t.TempDir()))
	var se *StatusError
	if !errors.As(err, &se) || se.Retryable() {
		t.Errorf("err = %v, want non-retryable *StatusError", err)
	}
}

func TestOpenAITranscriberRequiresKey(t *testing.T) {
	if _, err := NewOpenAITranscriber("", "", "", "ru", time.Second); err == nil {
		t.Error("expected error for empty api key")
	}
	tr, err := NewOpenAITranscriber("sk-test", "", "", "ru", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Model() != "whisper-1" || tr.Name() != "openai" {
		t.Errorf("Model/Name = %s/%s", tr.Model(), tr.Name())
	}
}
