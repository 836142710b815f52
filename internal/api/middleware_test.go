package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	t.Run("generates_id_when_missing", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		id := rec.Header().Get("X-Request-ID")
		if len(id) != 36 {
			t.Errorf("X-Request-ID = %q, want a uuid", id)
		}
		if seen != id {
			t.Errorf("context id = %q, want %q", seen, id)
		}
	})

	t.Run("preserves_provided_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "hearing-17")
		RequestID(okHandler).ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "hearing-17" {
			t.Errorf("X-Request-ID = %q, want %q", id, "hearing-17")
		}
	})
}

func TestLoggerAccessLine(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)
	h := RequestID(Logger(log)(okHandler))

	req := httptest.NewRequest("GET", "/api/v1/operations/op1", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("access line %q: %v", buf.String(), err)
	}
	if line["request_id"] != "req-1" || line["path"] != "/api/v1/operations/op1" || line["status"] != float64(200) {
		t.Errorf("access line = %v", line)
	}

	// health polling stays below info
	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/health", nil))
	if buf.Len() != 0 {
		t.Errorf("health request logged at info: %s", buf.String())
	}
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		target string
		header string
		want   int
	}{
		{"empty_token_passes_all", "", "/", "", http.StatusOK},
		{"valid_bearer_header", "secret123", "/", "Bearer secret123", http.StatusOK},
		{"invalid_bearer_header", "secret123", "/", "Bearer wrong", http.StatusUnauthorized},
		{"missing_auth", "secret123", "/", "", http.StatusUnauthorized},
		{"query_param_fallback", "secret123", "/?token=secret123", "", http.StatusOK},
		{"invalid_query_param", "secret123", "/?token=wrong", "", http.StatusUnauthorized},
		{"non_bearer_prefix", "secret123", "/", "Basic c2VjcmV0", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			BearerAuth(tt.token)(okHandler).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRecoverer(t *testing.T) {
	rec := httptest.NewRecorder()
	Recoverer(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("passthrough status = %d, want 200", rec.Code)
	}

	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("segment index out of range")
	})
	rec = httptest.NewRecorder()
	Recoverer(panicker).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body.Error != "internal server error" {
		t.Errorf("error = %q", body.Error)
	}
}
