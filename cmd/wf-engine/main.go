package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/api"
	"github.com/whisperforge/wf-engine/internal/config"
	"github.com/whisperforge/wf-engine/internal/database"
	"github.com/whisperforge/wf-engine/internal/generate"
	"github.com/whisperforge/wf-engine/internal/media"
	"github.com/whisperforge/wf-engine/internal/metrics"
	"github.com/whisperforge/wf-engine/internal/notify"
	"github.com/whisperforge/wf-engine/internal/pipeline"
	"github.com/whisperforge/wf-engine/internal/storage"
	"github.com/whisperforge/wf-engine/internal/transcribe"
	"github.com/whisperforge/wf-engine/internal/validate"
	"github.com/whisperforge/wf-engine/internal/watch"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "database connection URL")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "drop folder to watch for audio files")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("wf-engine starting")

	if !validate.CheckFFmpeg() {
		log.Warn().Msg("ffmpeg not found, uploads over 100MB will be rejected")
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database is optional; without it runs are kept in memory only.
	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize schema")
		}
	} else {
		log.Warn().Msg("no database configured, runs will not be persisted")
	}

	// Audio storage
	store, err := storage.New(cfg.S3, cfg.UploadDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	log.Info().Str("type", store.Type()).Msg("audio storage ready")

	// Event sinks
	bus := notify.NewEventBus(512)
	sinks := notify.Fanout{bus}
	var mqtt *notify.MQTTPublisher
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = notify.ConnectMQTT(notify.MQTTOptions{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopic,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		sinks = append(sinks, mqtt)
	}

	// Pipeline wiring
	validator := validate.New()
	whisper := transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperAPIKey, cfg.WhisperModel, cfg.WhisperTimeout)
	batcher := transcribe.NewBatcher(transcribe.BatcherOptions{
		Provider:   whisper,
		Workers:    cfg.TranscribeWorkers,
		MinSuccess: cfg.MinSuccessRate,
		Log:        log.With().Str("component", "transcribe").Logger(),
	})
	llm := generate.NewClient(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)

	var persister pipeline.Persister
	if db != nil {
		persister = db
	}
	controller := pipeline.NewController(pipeline.ControllerOptions{
		Validator:   validator,
		Prober:      media.NewProber(),
		Splitter:    media.NewSplitter(cfg.ChunkSeconds, log.With().Str("component", "splitter").Logger()),
		Transcriber: batcher,
		Generator:   llm,
		Persister:   persister,
		Notifier:    sinks,
		Log:         log,
	})

	registry := api.NewRunRegistry()

	// Scrape-time gauges for active runs and the db pool.
	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, registry))

	// Drop folder watcher (optional)
	if cfg.WatchDir != "" {
		watcher := watch.New(watch.Options{
			WatchDir:   cfg.WatchDir,
			Validator:  validator,
			Store:      store,
			Sink:       registry,
			Controller: controller,
			RunOptions: pipeline.RunOptions{
				EditorMode:      cfg.EditorMode,
				ResearchEnabled: cfg.ResearchEnabled,
				Model:           cfg.LLMModel,
			},
			Log: log,
		})
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start drop folder watcher")
		}
		defer watcher.Stop()
	}

	// HTTP server
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		Registry:   registry,
		Controller: controller,
		Validator:  validator,
		Store:      store,
		Bus:        bus,
		DB:         db,
		MQTT:       mqtt,
		Version:    version,
		StartTime:  startTime,
		Log:        log.With().Str("component", "http").Logger(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

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

	log.Info().Msg("wf-engine stopped")
}
