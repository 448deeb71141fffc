package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/config"
	"github.com/whisperforge/wf-engine/internal/database"
	"github.com/whisperforge/wf-engine/internal/generate"
	"github.com/whisperforge/wf-engine/internal/media"
	"github.com/whisperforge/wf-engine/internal/notify"
	"github.com/whisperforge/wf-engine/internal/pipeline"
	"github.com/whisperforge/wf-engine/internal/storage"
	"github.com/whisperforge/wf-engine/internal/transcribe"
	"github.com/whisperforge/wf-engine/internal/validate"
)

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, path string) (media.Metadata, error) {
	return media.Metadata{DurationSeconds: 120}, nil
}

type stubSplitter struct{}

func (stubSplitter) Split(ctx context.Context, path string, dur float64) (media.SplitResult, error) {
	return media.SplitResult{}, nil
}

type stubTranscriber struct{}

func (stubTranscriber) TranscribeAll(ctx context.Context, chunks []media.Chunk) (transcribe.BatchResult, error) {
	res := transcribe.BatchResult{ChunkTranscripts: make(map[int]string)}
	for _, c := range chunks {
		res.ChunkTranscripts[c.Index] = fmt.Sprintf("segment %d", c.Index)
	}
	res.SuccessRate = 1.0
	return res, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req generate.Request) (string, error) {
	return string(req.Kind) + " artifact", nil
}

func newTestServer(t *testing.T, authToken string) (*Server, *RunRegistry) {
	t.Helper()
	cfg := &config.Config{
		HTTPAddr:        ":0",
		AuthToken:       authToken,
		ResearchEnabled: true,
		LLMModel:        "gpt-4o",
	}
	registry := NewRunRegistry()
	bus := notify.NewEventBus(64)
	controller := pipeline.NewController(pipeline.ControllerOptions{
		Validator:   validate.NewWithToolCheck(func() bool { return true }),
		Prober:      stubProber{},
		Splitter:    stubSplitter{},
		Transcriber: stubTranscriber{},
		Generator:   stubGenerator{},
		Notifier:    bus,
		Log:         zerolog.Nop(),
	})
	srv := NewServer(ServerOptions{
		Config:     cfg,
		Registry:   registry,
		Controller: controller,
		Validator:  validate.NewWithToolCheck(func() bool { return true }),
		Store:      storage.NewLocalStore(t.TempDir()),
		Bus:        bus,
		Version:    "test",
		StartTime:  time.Now(),
		Log:        zerolog.Nop(),
	})
	return srv, registry
}

func multipartUpload(t *testing.T, filename string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(payload)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadCreatesRun(t *testing.T) {
	srv, registry := newTestServer(t, "")

	body, contentType := multipartUpload(t, "meeting.mp3", []byte("fake audio"), nil)
	req := httptest.NewRequest("POST", "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view RunView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.ID == "" || !view.Active || view.StepIndex != 0 {
		t.Errorf("view = %+v", view)
	}
	if view.CurrentStep != "upload_validation" {
		t.Errorf("CurrentStep = %q", view.CurrentStep)
	}

	run, ok := registry.Get(view.ID)
	if !ok {
		t.Fatal("run not registered")
	}
	if run.AudioPath == "" {
		t.Error("run has no audio path")
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	srv, registry := newTestServer(t, "")

	body, contentType := multipartUpload(t, "notes.txt", []byte("not audio"), nil)
	req := httptest.NewRequest("POST", "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(registry.List()) != 0 {
		t.Error("rejected upload created a run")
	}
}

func TestAdvanceAllCompletesRun(t *testing.T) {
	srv, _ := newTestServer(t, "")

	body, contentType := multipartUpload(t, "meeting.mp3", []byte("fake audio"), nil)
	req := httptest.NewRequest("POST", "/api/v1/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var created RunView
	json.NewDecoder(rec.Body).Decode(&created)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/runs/"+created.ID+"/advance?all=true", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view RunView
	json.NewDecoder(rec.Body).Decode(&view)
	if !view.Complete {
		t.Errorf("run not complete: %+v", view)
	}
	if view.StepIndex != pipeline.StepCount {
		t.Errorf("StepIndex = %d, want %d", view.StepIndex, pipeline.StepCount)
	}
	if view.Results["transcription"] != "segment 0" {
		t.Errorf("transcript = %q", view.Results["transcription"])
	}
	if view.Results["article_creation"] != "article artifact" {
		t.Errorf("article = %q", view.Results["article_creation"])
	}
}

func TestAdvanceSingleStep(t *testing.T) {
	srv, registry := newTestServer(t, "")

	run := pipeline.NewRun("talk.mp3", 1<<20, "/tmp/talk.mp3", pipeline.RunOptions{ResearchEnabled: true})
	registry.Add(run)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/runs/"+run.ID+"/advance", nil)
	srv.Handler().ServeHTTP(rec, req)

	var view RunView
	json.NewDecoder(rec.Body).Decode(&view)
	if view.StepIndex != 1 {
		t.Errorf("StepIndex = %d, want 1 after single advance", view.StepIndex)
	}
	if !view.Active {
		t.Error("run inactive after first step")
	}
}

func TestGetUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/runs/nope", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/runs", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK && rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestDeleteRun(t *testing.T) {
	srv, registry := newTestServer(t, "")

	run := pipeline.NewRun("talk.mp3", 1<<20, "", pipeline.RunOptions{})
	registry.Add(run)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("DELETE", "/api/v1/runs/"+run.ID, nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if _, ok := registry.Get(run.ID); ok {
		t.Error("run still registered after delete")
	}
}

type fakeHistory struct {
	runs map[string]*pipeline.Run
}

func (f *fakeHistory) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, database.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeHistory) ListRuns(ctx context.Context, limit int) ([]database.RunSummary, error) {
	var out []database.RunSummary
	for _, run := range f.runs {
		out = append(out, database.RunSummary{ID: run.ID, Filename: run.FileInfo.Name})
	}
	return out, nil
}

func TestGetRunFallsBackToHistory(t *testing.T) {
	persisted := pipeline.NewRun("old.mp3", 1<<20, "", pipeline.RunOptions{})
	persisted.Active = false
	persisted.StepIndex = pipeline.StepCount
	history := &fakeHistory{runs: map[string]*pipeline.Run{persisted.ID: persisted}}

	h := NewRunsHandler(NewRunRegistry(), nil, storage.NewLocalStore(t.TempDir()), history, zerolog.Nop())
	r := chi.NewRouter()
	h.Routes(r)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/runs/"+persisted.ID, nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view RunView
	json.NewDecoder(rec.Body).Decode(&view)
	if !view.Complete {
		t.Errorf("persisted run not reported complete: %+v", view)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/runs/history", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("history status = %d", rec.Code)
	}
}

func TestHistoryUnavailableWithoutDatabase(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/runs/history", nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegistryActiveRunCount(t *testing.T) {
	registry := NewRunRegistry()
	a := pipeline.NewRun("a.mp3", 1, "", pipeline.RunOptions{})
	b := pipeline.NewRun("b.mp3", 1, "", pipeline.RunOptions{})
	b.Active = false
	registry.Add(a)
	registry.Add(b)
	if got := registry.ActiveRunCount(); got != 1 {
		t.Errorf("ActiveRunCount = %d, want 1", got)
	}
}
