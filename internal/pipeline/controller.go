package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/generate"
	"github.com/whisperforge/wf-engine/internal/metrics"
	"github.com/whisperforge/wf-engine/internal/media"
	"github.com/whisperforge/wf-engine/internal/transcribe"
	"github.com/whisperforge/wf-engine/internal/validate"
)

// Event is a fire-and-forget pipeline notification.
type Event struct {
	RunID   string    `json:"run_id"`
	Step    string    `json:"step"`
	Type    string    `json:"type"` // step_start, step_complete, step_error
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives pipeline events. Implementations must never block for
// long or raise back into the pipeline.
type Notifier interface {
	Publish(ev Event)
}

// Prober reads media metadata for an input file.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Metadata, error)
}

// Splitter cuts an input file into normalized chunks.
type Splitter interface {
	Split(ctx context.Context, path string, durationSeconds float64) (media.SplitResult, error)
}

// Transcriber runs a chunk batch through the worker pool.
type Transcriber interface {
	TranscribeAll(ctx context.Context, chunks []media.Chunk) (transcribe.BatchResult, error)
}

// Generator produces one content artifact.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (string, error)
}

// Persister stores a finished run's artifact bundle. Failures are
// best-effort and never fail the run.
type Persister interface {
	SaveRun(ctx context.Context, run *Run) error
}

// StepError wraps the failure of one pipeline step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s failed: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// ErrRunInactive is returned when Advance is called on a halted or completed
// run.
var ErrRunInactive = fmt.Errorf("pipeline run is not active")

// Controller drives a Run through the step sequence, one step per Advance
// call. It holds no run state itself; the Run value is owned by the caller.
type Controller struct {
	validator   *validate.Validator
	prober      Prober
	splitter    Splitter
	transcriber Transcriber
	generator   Generator
	persister   Persister
	notifier    Notifier
	log         zerolog.Logger
}

// ControllerOptions configures a Controller. Persister and Notifier may be
// nil; the corresponding steps degrade to no-ops.
type ControllerOptions struct {
	Validator   *validate.Validator
	Prober      Prober
	Splitter    Splitter
	Transcriber Transcriber
	Generator   Generator
	Persister   Persister
	Notifier    Notifier
	Log         zerolog.Logger
}

// NewController creates a pipeline controller.
func NewController(opts ControllerOptions) *Controller {
	v := opts.Validator
	if v == nil {
		v = validate.New()
	}
	return &Controller{
		validator:   v,
		prober:      opts.Prober,
		splitter:    opts.Splitter,
		transcriber: opts.Transcriber,
		generator:   opts.Generator,
		persister:   opts.Persister,
		notifier:    opts.Notifier,
		log:         opts.Log.With().Str("component", "pipeline").Logger(),
	}
}

// Advance executes exactly one step. On success the result is stored under
// the step name and the index moves forward. On failure the error is stored
// under the step name, the run halts, and no further steps execute. Prior
// step results always survive a halt.
func (c *Controller) Advance(ctx context.Context, run *Run) error {
	if !run.Active {
		return ErrRunInactive
	}
	step, ok := run.CurrentStep()
	if !ok {
		run.Active = false
		return ErrRunInactive
	}

	log := c.log.With().Str("run_id", run.ID).Str("step", step.String()).Logger()
	log.Info().Msg("step started")
	c.notify(run, step, "step_start", "")

	result, err := c.execute(ctx, log, run, step)
	if err != nil {
		run.Errors[step.String()] = err.Error()
		run.Active = false
		metrics.StepsTotal.WithLabelValues(step.String(), "error").Inc()
		log.Error().Err(err).Msg("step failed, run halted")
		c.notify(run, step, "step_error", err.Error())
		return &StepError{Step: step, Err: err}
	}

	run.Results[step.String()] = result
	metrics.StepsTotal.WithLabelValues(step.String(), "success").Inc()
	run.StepIndex++
	if run.StepIndex == StepCount {
		run.Active = false
	}
	log.Info().Int("step_index", run.StepIndex).Msg("step completed")
	c.notify(run, step, "step_complete", "")
	return nil
}

// notify publishes an event if a sink is configured. Fire and forget; a
// panicking sink must not take the step down with it.
func (c *Controller) notify(run *Run, step Step, typ, msg string) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Interface("panic", r).Msg("notifier panicked")
		}
	}()
	c.notifier.Publish(Event{
		RunID:   run.ID,
		Step:    step.String(),
		Type:    typ,
		Message: msg,
		Time:    time.Now().UTC(),
	})
}

func (c *Controller) execute(ctx context.Context, log zerolog.Logger, run *Run, step Step) (string, error) {
	switch step {
	case StepUploadValidation:
		return c.validateUpload(run)
	case StepTranscription:
		return c.transcribeRun(ctx, log, run)
	case StepWisdomExtraction:
		return c.generateStep(ctx, log, run, generate.KindWisdom, map[string]string{})
	case StepResearchEnrichment:
		return c.researchStep(ctx, log, run)
	case StepOutlineCreation:
		return c.generateStep(ctx, log, run, generate.KindOutline, map[string]string{
			"insights": run.Results[StepWisdomExtraction.String()],
			"research": run.Results[StepResearchEnrichment.String()],
		})
	case StepArticleCreation:
		return c.generateStep(ctx, log, run, generate.KindArticle, map[string]string{
			"outline": run.Results[StepOutlineCreation.String()],
		})
	case StepSocialContent:
		return c.generateStep(ctx, log, run, generate.KindSocial, map[string]string{
			"article":  run.Results[StepArticleCreation.String()],
			"insights": run.Results[StepWisdomExtraction.String()],
		})
	case StepImagePrompts:
		return c.generateStep(ctx, log, run, generate.KindImagePrompts, map[string]string{
			"article": run.Results[StepArticleCreation.String()],
		})
	case StepDatabaseStorage:
		return c.persistRun(ctx, log, run)
	default:
		return "", fmt.Errorf("unknown step %q", step)
	}
}

func (c *Controller) validateUpload(run *Run) (string, error) {
	res := c.validator.Validate(run.FileInfo.Name, run.SizeBytes)
	if !res.Valid {
		return "", fmt.Errorf("upload rejected: %s", res.Error)
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode validation result: %w", err)
	}
	return string(encoded), nil
}

// transcribeRun probes the file, splits it when the size threshold demands
// chunking, runs the worker-pool batch, and assembles the transcript in
// index order. Small files go through the same pool as a single chunk.
func (c *Controller) transcribeRun(ctx context.Context, log zerolog.Logger, run *Run) (string, error) {
	meta, err := c.prober.Probe(ctx, run.AudioPath)
	if err != nil {
		return "", err
	}

	var chunks []media.Chunk
	if run.SizeBytes > validate.ChunkThresholdBytes {
		split, err := c.splitter.Split(ctx, run.AudioPath, meta.DurationSeconds)
		if err != nil {
			return "", err
		}
		defer func() {
			if err := media.CleanupChunks(split.Dir); err != nil {
				log.Warn().Err(err).Str("dir", split.Dir).Msg("chunk cleanup failed")
			}
		}()
		if split.Dropped > 0 {
			log.Warn().Int("dropped", split.Dropped).Msg("some chunks were dropped during splitting")
		}
		chunks = split.Chunks
	} else {
		chunks = []media.Chunk{{
			Index:           0,
			Path:            run.AudioPath,
			DurationSeconds: meta.DurationSeconds,
		}}
	}

	batch, err := c.transcriber.TranscribeAll(ctx, chunks)
	if err != nil {
		return "", err
	}

	transcript := transcribe.Assemble(batch.ChunkTranscripts)
	if transcript == "" {
		return "", fmt.Errorf("transcription produced no text")
	}
	log.Info().
		Int("chunks", len(chunks)).
		Float64("success_rate", batch.SuccessRate).
		Int("chars", len(transcript)).
		Msg("transcript assembled")
	return transcript, nil
}

// generateStep produces one artifact. In editor mode the fresh artifact is
// critiqued and revised; failure of that sub-flow never fails the parent
// step, it just leaves the original artifact in place.
func (c *Controller) generateStep(ctx context.Context, log zerolog.Logger, run *Run, kind generate.Kind, prior map[string]string) (string, error) {
	transcript := run.Results[StepTranscription.String()]
	artifact, err := c.generator.Generate(ctx, generate.Request{
		Kind:           kind,
		Transcript:     transcript,
		PriorArtifacts: prior,
		Model:          run.Options.Model,
	})
	if err != nil {
		return "", err
	}

	if run.Options.EditorMode && editorKinds[kind] {
		artifact = c.reviseArtifact(ctx, log, run, kind, transcript, artifact)
	}
	return artifact, nil
}

// editorKinds are the generation kinds the critique/revision sub-flow
// applies to.
var editorKinds = map[generate.Kind]bool{
	generate.KindWisdom:  true,
	generate.KindOutline: true,
	generate.KindArticle: true,
	generate.KindSocial:  true,
}

func (c *Controller) reviseArtifact(ctx context.Context, log zerolog.Logger, run *Run, kind generate.Kind, transcript, artifact string) string {
	critique, err := c.generator.Generate(ctx, generate.Request{
		Kind:           generate.KindCritique,
		Transcript:     transcript,
		PriorArtifacts: map[string]string{"draft": artifact},
		Model:          run.Options.Model,
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("critique failed, keeping original artifact")
		return artifact
	}
	run.Results[string(kind)+"_critique"] = critique

	revised, err := c.generator.Generate(ctx, generate.Request{
		Kind:           generate.KindRevision,
		Transcript:     transcript,
		PriorArtifacts: map[string]string{"draft": artifact, "critique": critique},
		Model:          run.Options.Model,
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("revision failed, keeping original artifact")
		return artifact
	}
	return revised
}

func (c *Controller) researchStep(ctx context.Context, log zerolog.Logger, run *Run) (string, error) {
	if !run.Options.ResearchEnabled {
		log.Debug().Msg("research disabled for this run")
		return "[research disabled]", nil
	}
	return c.generateStep(ctx, log, run, generate.KindResearch, map[string]string{
		"insights": run.Results[StepWisdomExtraction.String()],
	})
}

// persistRun stores the artifact bundle. Persistence is best-effort; a
// storage failure is logged and the step still succeeds.
func (c *Controller) persistRun(ctx context.Context, log zerolog.Logger, run *Run) (string, error) {
	if c.persister == nil {
		return "persistence skipped (no store configured)", nil
	}
	if err := c.persister.SaveRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("persistence failed, continuing")
		return fmt.Sprintf("persistence failed (non-fatal): %v", err), nil
	}
	return "stored", nil
}
