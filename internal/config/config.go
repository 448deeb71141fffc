package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	UploadDir string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	WatchDir  string `env:"WATCH_DIR"`

	// Transcription backend (OpenAI-compatible /v1/audio/transcriptions).
	WhisperURL     string        `env:"WHISPER_URL" envDefault:"https://api.openai.com/v1/audio/transcriptions"`
	WhisperAPIKey  string        `env:"WHISPER_API_KEY"`
	WhisperModel   string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	WhisperTimeout time.Duration `env:"WHISPER_TIMEOUT" envDefault:"120s"`

	// Content generation backend (OpenAI-compatible /v1/chat/completions).
	LLMURL     string        `env:"LLM_URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	LLMAPIKey  string        `env:"LLM_API_KEY"`
	LLMModel   string        `env:"LLM_MODEL" envDefault:"gpt-4o"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT" envDefault:"120s"`

	// Chunking and batch transcription.
	ChunkSeconds      float64 `env:"CHUNK_SECONDS" envDefault:"600"`
	TranscribeWorkers int     `env:"TRANSCRIBE_WORKERS" envDefault:"4"`
	MinSuccessRate    float64 `env:"TRANSCRIBE_MIN_SUCCESS" envDefault:"0.7"`

	// Pipeline feature toggles (per-run options override these defaults).
	EditorMode      bool `env:"EDITOR_MODE"`
	ResearchEnabled bool `env:"RESEARCH_ENABLED" envDefault:"true"`

	// MQTT step-event sink. Disabled when no broker URL is set.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"wf-engine"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"wf-engine/events"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	S3 S3Config `envPrefix:"S3_"`
}

// S3Config configures optional S3-compatible object storage for uploaded
// audio (Supabase storage exposes an S3-compatible endpoint).
type S3Config struct {
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	Bucket        string        `env:"BUCKET"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	WatchDir    string
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

	// Parse environment variables into config struct
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
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	return cfg, nil
}
