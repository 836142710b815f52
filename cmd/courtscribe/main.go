package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/courtscribe"
	"github.com/snarg/courtscribe/internal/api"
	"github.com/snarg/courtscribe/internal/config"
	"github.com/snarg/courtscribe/internal/database"
	"github.com/snarg/courtscribe/internal/export"
	"github.com/snarg/courtscribe/internal/inbox"
	"github.com/snarg/courtscribe/internal/inference"
	"github.com/snarg/courtscribe/internal/metrics"
	"github.com/snarg/courtscribe/internal/mqttclient"
	"github.com/snarg/courtscribe/internal/pipeline"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/storage"
)

var version = "dev"

// stores groups the three persistence surfaces, backed by either the
// database or memory.
type stores struct {
	steps    stepstate.Store
	segments stepstate.SegmentStore
	meetings stepstate.MeetingStore
	db       *database.DB
}

func (s stores) pool() *pgxpool.Pool {
	if s.db == nil {
		return nil
	}
	return s.db.Pool
}

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	var runOnce, from string
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL DSN (overrides DATABASE_URL)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "microphone audio root (overrides AUDIO_DIR)")
	flag.StringVar(&overrides.TmpDir, "tmp-dir", "", "workspace root (overrides TMP_DIR)")
	flag.StringVar(&runOnce, "run", "", "run the chain for one operation synchronously and exit")
	flag.StringVar(&from, "from", "", "first step for -run (default: first unfinished step)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("courtscribe starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Inference backends
	transcriber, err := newTranscriber(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure transcription backend")
	}
	diarizer := inference.NewPyannoteClient(cfg.DiarizationURL, cfg.InferenceTimeout)
	embedder := inference.NewEmbeddingClient(cfg.EmbeddingURL, cfg.TmpDir, cfg.InferenceTimeout)

	objects, err := storage.New(cfg.S3, cfg.ResultsDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object storage")
	}
	log.Info().Str("type", objects.Type()).Msg("object storage ready")

	converter := export.FFmpegConverter{Path: cfg.FFmpegPath}
	if err := converter.Check(); err != nil {
		log.Warn().Err(err).Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found; EXPORT_RESULTS will fail")
	}

	// MQTT (optional)
	var mqtt *mqttclient.Client
	var notifier pipeline.Notifier
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTStartTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		notifier = mqttclient.NewStatusNotifier(mqtt, cfg.MQTTStatusTopic, log)
	}

	deps := pipeline.Deps{
		Store:       st.steps,
		Segments:    st.segments,
		Diarizer:    diarizer,
		Embedder:    embedder,
		Transcriber: transcriber,
		Objects:     objects,
		Converter:   converter,
		Notifier:    notifier,
	}
	opts := pipeline.OptionsFromConfig(cfg)
	chainLog := log.With().Str("component", "pipeline").Logger()

	if runOnce != "" {
		orch := pipeline.New(deps, opts, chainLog)
		if err := orch.RunChain(ctx, runOnce, from); err != nil {
			log.Fatal().Err(err).Str("operation_id", runOnce).Msg("chain failed")
		}
		op, _ := orch.Status(ctx, runOnce)
		log.Info().Str("operation_id", runOnce).Str("result", op.ResultLocator).Msg("chain finished")
		return
	}

	pool := pipeline.NewPool(pipeline.PoolOptions{
		CPUWorkers: cfg.CPUWorkers,
		GPUWorkers: cfg.GPUWorkers,
		QueueSize:  cfg.QueueSize,
		Log:        log,
	})
	pool.Start()
	deps.Pool = pool
	orch := pipeline.New(deps, opts, chainLog)

	prometheus.MustRegister(metrics.NewCollector(st.pool(), pool))

	if n, err := orch.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("resume failed")
	} else if n > 0 {
		log.Info().Int("operations", n).Msg("resumed unfinished operations")
	}

	if mqtt != nil {
		mqtt.SetMessageHandler(mqttclient.StartHandler(orch, log))
	}

	var watcher *inbox.Watcher
	if cfg.WatchInbox {
		watcher = inbox.New(orch, cfg.AudioDir, log)
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start inbox watcher")
		}
	}

	// HTTP Server
	var pinger api.Pinger
	if st.db != nil {
		pinger = st.db
	}
	var link api.Connectivity
	if mqtt != nil {
		link = mqtt
	}
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		Runner:   orch,
		Store:    st.steps,
		Segments: st.segments,
		Meetings: st.meetings,
		Objects:  objects,
		Health:   api.NewHealthHandler(pinger, link, pool, version, startTime),
	}, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	// running steps see a cancelled context and stay non-terminal for the next Resume
	pool.Stop()

	log.Info().Msg("courtscribe stopped")
}

// openStores connects to PostgreSQL when DATABASE_URL is set and falls back
// to the in-memory store otherwise.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; operation state is kept in memory and lost on restart")
		mem := stepstate.NewMemoryStore()
		return stores{steps: mem, segments: mem, meetings: mem}, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		return stores{}, err
	}
	if err := db.InitSchema(ctx, courtscribe.SchemaSQL); err != nil {
		db.Close()
		return stores{}, fmt.Errorf("init schema: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return stores{}, fmt.Errorf("migrate: %w", err)
	}
	return stores{steps: db, segments: db, meetings: db, db: db}, nil
}

func newTranscriber(cfg *config.Config) (inference.Transcriber, error) {
	switch cfg.TranscribeBackend {
	case config.BackendOpenAI:
		t, err := inference.NewOpenAITranscriber(cfg.OpenAIAPIKey, "", cfg.WhisperModel, cfg.TranscribeLanguage, cfg.InferenceTimeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		url := strings.TrimSuffix(cfg.WhisperURL, "/") + "/audio/transcriptions"
		return inference.NewWhisperClient(url, cfg.WhisperModel, inference.TranscribeOpts{Language: cfg.TranscribeLanguage}, cfg.InferenceTimeout), nil
	}
}
