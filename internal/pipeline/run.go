package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// RunOptions are per-run feature toggles and generation parameters, resolved
// by the caller before the run starts.
type RunOptions struct {
	EditorMode      bool   `json:"editor_mode"`
	ResearchEnabled bool   `json:"research_enabled"`
	Model           string `json:"model,omitempty"`
}

// FileInfo describes the uploaded file a run processes.
type FileInfo struct {
	Name   string  `json:"name"`
	SizeMB float64 `json:"size_mb"`
}

// Run is the state-machine instance for one end-to-end pipeline execution.
// It is a value object owned by the caller; the controller mutates it on each
// Advance and never stores it.
type Run struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	StepIndex int               `json:"step_index"`
	Results   map[string]string `json:"results"`
	Errors    map[string]string `json:"errors"`
	Active    bool              `json:"active"`
	FileInfo  FileInfo          `json:"file_info"`
	Options   RunOptions        `json:"options"`

	// AudioPath is where the upload was written; SizeBytes is the declared
	// upload size used by validation.
	AudioPath string `json:"audio_path"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewRun creates an active run positioned before the first step.
func NewRun(filename string, sizeBytes int64, audioPath string, opts RunOptions) *Run {
	return &Run{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Results:   make(map[string]string),
		Errors:    make(map[string]string),
		Active:    true,
		FileInfo: FileInfo{
			Name:   filename,
			SizeMB: float64(sizeBytes) / (1 << 20),
		},
		Options:   opts,
		AudioPath: audioPath,
		SizeBytes: sizeBytes,
	}
}

// CurrentStep returns the step the next Advance will execute, or false when
// the run has finished all steps.
func (r *Run) CurrentStep() (Step, bool) {
	if r.StepIndex >= StepCount {
		return "", false
	}
	return Steps[r.StepIndex], true
}

// Complete reports whether every step ran successfully.
func (r *Run) Complete() bool {
	return !r.Active && r.StepIndex == StepCount
}

// Failed reports whether the run halted before finishing.
func (r *Run) Failed() bool {
	return !r.Active && r.StepIndex < StepCount
}
