package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/pipeline"
	"github.com/whisperforge/wf-engine/internal/storage"
	"github.com/whisperforge/wf-engine/internal/validate"
)

// debounceDelay coalesces rapid Create+Write events and lets slow copies
// finish before the file is read.
const debounceDelay = 500 * time.Millisecond

// RunSink receives runs created from watched files.
type RunSink interface {
	Add(run *pipeline.Run)
}

// Watcher monitors a drop folder for new audio files and starts a pipeline
// run for each one. This is an alternative ingest path for users who script
// file drops instead of calling the upload API.
type Watcher struct {
	watchDir   string
	validator  *validate.Validator
	store      storage.AudioStore
	sink       RunSink
	controller *pipeline.Controller
	options    pipeline.RunOptions
	log        zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
}

// Options configures a Watcher. Controller may be nil to only register runs
// without driving them; when set, each run is advanced to completion in the
// background.
type Options struct {
	WatchDir   string
	Validator  *validate.Validator
	Store      storage.AudioStore
	Sink       RunSink
	Controller *pipeline.Controller
	RunOptions pipeline.RunOptions
	Log        zerolog.Logger
}

// New creates a drop-folder watcher.
func New(opts Options) *Watcher {
	return &Watcher{
		watchDir:       opts.WatchDir,
		validator:      opts.Validator,
		store:          opts.Store,
		sink:           opts.Sink,
		controller:     opts.Controller,
		options:        opts.RunOptions,
		log:            opts.Log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start begins watching the drop folder.
func (w *Watcher) Start(ctx context.Context) error {
	if w.watchDir == "" {
		return errors.New("no watch directory configured")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.watchDir); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.log.Info().Str("watch_dir", w.watchDir).Msg("drop folder watcher started")
	go w.watchLoop()
	return nil
}

// Stop closes the watcher and cancels in-flight processing.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.log.Info().
		Int64("files_processed", w.filesProcessed.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("drop folder watcher stopped")
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
				continue
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing so the file is fully written
// before it is read.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(debounceDelay)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(debounceDelay, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.processFile(path)
	})
}

// processFile validates a dropped file and starts a run for it. The file is
// copied into the audio store and the original removed from the drop folder.
func (w *Watcher) processFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("dropped file vanished")
		return
	}

	filename := filepath.Base(path)
	res := w.validator.Validate(filename, info.Size())
	if !res.Valid {
		w.filesSkipped.Add(1)
		w.log.Warn().Str("path", path).Str("reason", res.Error).Msg("dropped file rejected")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to read dropped file")
		return
	}

	run := pipeline.NewRun(filename, info.Size(), "", w.options)
	key := run.ID + "/" + filename
	if err := w.store.Save(w.ctx, key, data, ""); err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("failed to store dropped file")
		return
	}
	run.AudioPath = w.store.LocalPath(key)
	w.sink.Add(run)
	w.filesProcessed.Add(1)

	if err := os.Remove(path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("failed to remove dropped file")
	}

	w.log.Info().
		Str("run_id", run.ID).
		Str("filename", filename).
		Float64("size_mb", run.FileInfo.SizeMB).
		Msg("run started from drop folder")

	if w.controller != nil {
		go w.driveRun(run)
	}
}

// driveRun advances a drop-folder run until it completes or halts. API
// uploads are advanced by their clients; drop-folder runs have no client,
// so the watcher drives them itself.
func (w *Watcher) driveRun(run *pipeline.Run) {
	for run.Active {
		if err := w.controller.Advance(w.ctx, run); err != nil {
			var stepErr *pipeline.StepError
			if errors.As(err, &stepErr) {
				w.log.Warn().
					Str("run_id", run.ID).
					Str("step", stepErr.Step.String()).
					Msg("drop folder run halted")
			}
			return
		}
	}
	w.log.Info().Str("run_id", run.ID).Msg("drop folder run complete")
}
