package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Unmapped speaker policies.
const (
	UnmappedUnknown = "unknown"
	UnmappedDrop    = "drop"
)

// Transcription backends.
const (
	BackendWhisper = "whisper"
	BackendOpenAI  = "openai"
)

type Config struct {
	// Empty DatabaseURL runs against the in-memory state store.
	DatabaseURL string `env:"DATABASE_URL"`

	AudioDir   string `env:"AUDIO_DIR" envDefault:"./audio"`
	TmpDir     string `env:"TMP_DIR" envDefault:"./tmp"`
	ResultsDir string `env:"RESULTS_DIR" envDefault:"./results"`

	RandomSeed            int64   `env:"RANDOM_SEED" envDefault:"42"`
	MergeSampleRate       int     `env:"MERGE_SAMPLE_RATE" envDefault:"8000"`
	DiarizationSampleRate int     `env:"DIARIZATION_SAMPLE_RATE" envDefault:"16000"`
	SegmentSampleRate     int     `env:"SEGMENT_SAMPLE_RATE" envDefault:"8000"`
	PadEnd                float64 `env:"DIARIZATION_PAD_END" envDefault:"0.4"`
	VoiceprintMaxSeconds  float64 `env:"VOICEPRINT_MAX_SECONDS" envDefault:"30"`
	UnmappedPolicy        string  `env:"UNMAPPED_SPEAKER_POLICY" envDefault:"unknown"`
	UnknownLabel          string  `env:"UNKNOWN_SPEAKER_LABEL" envDefault:"Unknown"`
	NotRecognizedText     string  `env:"NOT_RECOGNIZED_TEXT" envDefault:"Text could not be recognized"`

	DiarizationURL        string        `env:"DIARIZATION_URL" envDefault:"http://localhost:8001"`
	EmbeddingURL          string        `env:"EMBEDDING_URL" envDefault:"http://localhost:8002"`
	TranscribeBackend     string        `env:"TRANSCRIBE_BACKEND" envDefault:"whisper"`
	WhisperURL            string        `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1"`
	WhisperModel          string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	OpenAIAPIKey          string        `env:"OPENAI_API_KEY"`
	TranscribeLanguage    string        `env:"TRANSCRIBE_LANGUAGE" envDefault:"ru"`
	TranscribeConcurrency int           `env:"TRANSCRIBE_CONCURRENCY" envDefault:"4"`
	InferenceTimeout      time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"10m"`

	// S3 object storage (optional; empty bucket keeps results on local disk)
	S3 S3Config

	FFmpegPath string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"courtscribe"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTStatusTopic string `env:"MQTT_STATUS_TOPIC" envDefault:"courtscribe/operations"`
	MQTTStartTopic  string `env:"MQTT_START_TOPIC" envDefault:"courtscribe/start"`

	WatchInbox bool `env:"WATCH_INBOX" envDefault:"false"`

	CPUWorkers int `env:"CPU_WORKERS" envDefault:"2"`
	GPUWorkers int `env:"GPU_WORKERS" envDefault:"1"`
	QueueSize  int `env:"QUEUE_SIZE" envDefault:"64"`

	TransientMaxRetries int           `env:"TRANSIENT_MAX_RETRIES" envDefault:"7"`
	RetryBackoffBase    time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"2s"`
	RetryBackoffMax     time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"30m"`
	RetryJitter         float64       `env:"RETRY_JITTER" envDefault:"0.5"`
	StepSoftTimeLimit   time.Duration `env:"STEP_SOFT_TIME_LIMIT" envDefault:"4h"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Bucket        string        `env:"S3_BUCKET"`
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX" envDefault:"segments"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether remote object storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	TmpDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.TmpDir != "" {
		cfg.TmpDir = overrides.TmpDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.UnmappedPolicy {
	case UnmappedUnknown, UnmappedDrop:
	default:
		return fmt.Errorf("UNMAPPED_SPEAKER_POLICY must be %q or %q, got %q", UnmappedUnknown, UnmappedDrop, c.UnmappedPolicy)
	}
	switch c.TranscribeBackend {
	case BackendWhisper, BackendOpenAI:
	default:
		return fmt.Errorf("TRANSCRIBE_BACKEND must be %q or %q, got %q", BackendWhisper, BackendOpenAI, c.TranscribeBackend)
	}
	if c.TranscribeBackend == BackendOpenAI && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when TRANSCRIBE_BACKEND=%s", BackendOpenAI)
	}
	if c.PadEnd < 0 {
		return fmt.Errorf("DIARIZATION_PAD_END must be >= 0, got %v", c.PadEnd)
	}
	if c.MergeSampleRate <= 0 || c.DiarizationSampleRate <= 0 || c.SegmentSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.CPUWorkers < 1 || c.GPUWorkers < 1 {
		return fmt.Errorf("CPU_WORKERS and GPU_WORKERS must be >= 1")
	}
	if c.TransientMaxRetries < 0 {
		return fmt.Errorf("TRANSIENT_MAX_RETRIES must be >= 0, got %d", c.TransientMaxRetries)
	}
	return nil
}
