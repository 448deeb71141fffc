package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/database"
	"github.com/whisperforge/wf-engine/internal/pipeline"
	"github.com/whisperforge/wf-engine/internal/storage"
)

// RunHistory reads persisted runs. Nil when no database is configured.
type RunHistory interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	ListRuns(ctx context.Context, limit int) ([]database.RunSummary, error)
}

// RunView is the API representation of a pipeline run.
type RunView struct {
	ID          string              `json:"id"`
	FileInfo    pipeline.FileInfo   `json:"file_info"`
	StepIndex   int                 `json:"step_index"`
	CurrentStep string              `json:"current_step,omitempty"`
	Active      bool                `json:"active"`
	Complete    bool                `json:"complete"`
	Failed      bool                `json:"failed"`
	Results     map[string]string   `json:"results"`
	Errors      map[string]string   `json:"errors"`
	Options     pipeline.RunOptions `json:"options"`
	CreatedAt   time.Time           `json:"created_at"`
}

func runView(run *pipeline.Run) RunView {
	v := RunView{
		ID:        run.ID,
		FileInfo:  run.FileInfo,
		StepIndex: run.StepIndex,
		Active:    run.Active,
		Complete:  run.Complete(),
		Failed:    run.Failed(),
		Results:   run.Results,
		Errors:    run.Errors,
		Options:   run.Options,
		CreatedAt: run.CreatedAt,
	}
	if step, ok := run.CurrentStep(); ok {
		v.CurrentStep = step.String()
	}
	return v
}

// RunsHandler exposes run state and drives the pipeline forward.
type RunsHandler struct {
	registry   *RunRegistry
	controller *pipeline.Controller
	store      storage.AudioStore
	history    RunHistory
	log        zerolog.Logger
}

// NewRunsHandler creates a runs handler. history may be nil.
func NewRunsHandler(registry *RunRegistry, controller *pipeline.Controller, store storage.AudioStore, history RunHistory, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		registry:   registry,
		controller: controller,
		store:      store,
		history:    history,
		log:        log.With().Str("handler", "runs").Logger(),
	}
}

// Routes registers run endpoints.
func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/runs", h.List)
	r.Get("/runs/history", h.History)
	r.Get("/runs/{id}", h.Get)
	r.Post("/runs/{id}/advance", h.Advance)
	r.Delete("/runs/{id}", h.Delete)
}

// List handles GET /api/v1/runs.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	runs := h.registry.List()
	views := make([]RunView, len(runs))
	for i, run := range runs {
		views[i] = runView(run)
	}
	WriteJSON(w, http.StatusOK, views)
}

// History handles GET /api/v1/runs/history. Lists persisted runs from the
// database, newest first.
func (h *RunsHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit, _ := QueryInt(r, "limit")
	summaries, err := h.history.ListRuns(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("run history query failed")
		WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	WriteJSON(w, http.StatusOK, summaries)
}

// Get handles GET /api/v1/runs/{id}. Misses in the in-memory registry fall
// back to the database so finished runs survive a restart.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if run, ok := h.registry.Get(id); ok {
		WriteJSON(w, http.StatusOK, runView(run))
		return
	}
	if h.history != nil {
		run, err := h.history.GetRun(r.Context(), id)
		if err == nil {
			WriteJSON(w, http.StatusOK, runView(run))
			return
		}
		if !errors.Is(err, database.ErrRunNotFound) {
			h.log.Error().Err(err).Str("run_id", id).Msg("run lookup failed")
			WriteError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
	}
	WriteError(w, http.StatusNotFound, "run not found")
}

// Advance handles POST /api/v1/runs/{id}/advance. Executes exactly one
// pipeline step; with ?all=true it keeps advancing until the run halts or
// completes. A step failure is part of run state, so the response is still
// 200 with the error recorded against the failed step.
func (h *RunsHandler) Advance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	all, _ := QueryBool(r, "all")

	var view RunView
	busy, found := h.registry.WithLock(id, func(run *pipeline.Run) {
		h.advanceRun(r.Context(), run, all)
		view = runView(run)
	})
	if !found {
		WriteError(w, http.StatusNotFound, "run not found")
		return
	}
	if busy {
		WriteError(w, http.StatusConflict, "run is already advancing")
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *RunsHandler) advanceRun(ctx context.Context, run *pipeline.Run, all bool) {
	for {
		err := h.controller.Advance(ctx, run)
		if err != nil {
			var stepErr *pipeline.StepError
			if errors.As(err, &stepErr) {
				h.log.Warn().Str("run_id", run.ID).Str("step", stepErr.Step.String()).Msg("run halted")
			}
			return
		}
		if !all || !run.Active {
			return
		}
	}
}

// Delete handles DELETE /api/v1/runs/{id}. Drops the run from the registry
// and removes its stored audio.
func (h *RunsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := h.registry.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "run not found")
		return
	}

	key := run.ID + "/" + run.FileInfo.Name
	if err := h.store.Delete(r.Context(), key); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("audio cleanup failed")
	}
	h.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}
