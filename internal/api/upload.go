package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/metrics"
	"github.com/whisperforge/wf-engine/internal/pipeline"
	"github.com/whisperforge/wf-engine/internal/storage"
	"github.com/whisperforge/wf-engine/internal/validate"
)

// maxMultipartMemory bounds how much of an upload is buffered in memory
// before spilling to disk.
const maxMultipartMemory = 64 << 20

// UploadHandler accepts audio uploads and creates pipeline runs for them.
type UploadHandler struct {
	registry  *RunRegistry
	validator *validate.Validator
	store     storage.AudioStore
	defaults  pipeline.RunOptions
	log       zerolog.Logger
}

// NewUploadHandler creates an upload handler. defaults seed each run's
// options; form fields override them per upload.
func NewUploadHandler(registry *RunRegistry, validator *validate.Validator, store storage.AudioStore, defaults pipeline.RunOptions, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		registry:  registry,
		validator: validator,
		store:     store,
		defaults:  defaults,
		log:       log.With().Str("handler", "upload").Logger(),
	}
}

// Routes registers the upload endpoint.
func (h *UploadHandler) Routes(r chi.Router) {
	r.Post("/uploads", h.Upload)
}

// Upload handles POST /api/v1/uploads. Expects a multipart form with a
// "file" field plus optional option fields (editor_mode, research_enabled,
// model). Invalid uploads are rejected before anything is written to
// storage.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	res := h.validator.Validate(header.Filename, header.Size)
	if !res.Valid {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		WriteErrorDetail(w, http.StatusBadRequest, "upload rejected", res.Error)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	opts := h.defaults
	if v := r.FormValue("editor_mode"); v != "" {
		opts.EditorMode = v == "true" || v == "1"
	}
	if v := r.FormValue("research_enabled"); v != "" {
		opts.ResearchEnabled = v == "true" || v == "1"
	}
	if v := r.FormValue("model"); v != "" {
		opts.Model = v
	}

	run := pipeline.NewRun(header.Filename, header.Size, "", opts)
	key := run.ID + "/" + header.Filename
	contentType := header.Header.Get("Content-Type")
	if err := h.store.Save(r.Context(), key, data, contentType); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("upload storage failed")
		WriteError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	run.AudioPath = h.store.LocalPath(key)

	h.registry.Add(run)
	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	h.log.Info().
		Str("run_id", run.ID).
		Str("filename", header.Filename).
		Float64("size_mb", run.FileInfo.SizeMB).
		Bool("requires_chunking", res.RequiresChunking).
		Msg("upload accepted")

	WriteJSON(w, http.StatusCreated, runView(run))
}
