package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/config"
	"github.com/whisperforge/wf-engine/internal/database"
	"github.com/whisperforge/wf-engine/internal/metrics"
	"github.com/whisperforge/wf-engine/internal/notify"
	"github.com/whisperforge/wf-engine/internal/pipeline"
	"github.com/whisperforge/wf-engine/internal/storage"
	"github.com/whisperforge/wf-engine/internal/validate"
)

// Server is the HTTP front end for uploads, run control, and event
// streaming.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the wired dependencies. DB and MQTT may be nil.
type ServerOptions struct {
	Config     *config.Config
	Registry   *RunRegistry
	Controller *pipeline.Controller
	Validator  *validate.Validator
	Store      storage.AudioStore
	Bus        *notify.EventBus
	DB         *database.DB
	MQTT       *notify.MQTTPublisher
	Version    string
	StartTime  time.Time
	Log        zerolog.Logger
}

// NewServer builds the router and HTTP server.
func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(opts.DB, opts.MQTT, opts.Version, opts.StartTime)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	defaults := pipeline.RunOptions{
		EditorMode:      cfg.EditorMode,
		ResearchEnabled: cfg.ResearchEnabled,
		Model:           cfg.LLMModel,
	}
	upload := NewUploadHandler(opts.Registry, opts.Validator, opts.Store, defaults, opts.Log)
	var history RunHistory
	if opts.DB != nil {
		history = opts.DB
	}
	runs := NewRunsHandler(opts.Registry, opts.Controller, opts.Store, history, opts.Log)
	events := NewEventsHandler(opts.Bus)

	r.Route("/api/v1", func(r chi.Router) {
		// Health is unauthenticated so load balancers can probe it.
		r.Get("/health", health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			upload.Routes(r)
			runs.Routes(r)
			events.Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
