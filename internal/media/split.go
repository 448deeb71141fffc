package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultChunkSeconds is the segment length for large-file splitting.
	DefaultChunkSeconds = 600.0

	chunkTimeout  = 300 * time.Second
	retryInterval = 500 * time.Millisecond
)

// Chunk is one bounded-duration segment of a larger audio file, normalized
// to mono 16 kHz 16-bit PCM for the transcription API. Indices are
// contiguous from zero and cover the source duration without gaps.
type Chunk struct {
	Index           int     `json:"index"`
	Path            string  `json:"path"`
	StartSeconds    float64 `json:"start_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SplitError means the transcoder itself could not be invoked. Individual
// chunk failures do not produce a SplitError; they are counted as dropped.
type SplitError struct {
	Output string
	Err    error
}

func (e *SplitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("chunk split failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("chunk split failed: %v", e.Err)
}

func (e *SplitError) Unwrap() error { return e.Err }

// SplitResult is the outcome of splitting one file. Dropped counts chunks
// whose transcode produced no usable output even after a retry.
type SplitResult struct {
	Chunks  []Chunk
	Dropped int
	Dir     string // temp directory owning the chunk files; caller cleans up
}

// Splitter cuts audio files into fixed-duration normalized segments with
// ffmpeg. Each pipeline run gets its own temp directory.
type Splitter struct {
	ffmpegPath   string
	chunkSeconds float64
	runner       Runner
	mkdirTemp    func(dir, pattern string) (string, error)
	log          zerolog.Logger
}

// NewSplitter creates a Splitter using the ffmpeg binary on PATH.
func NewSplitter(chunkSeconds float64, log zerolog.Logger) *Splitter {
	if chunkSeconds <= 0 {
		chunkSeconds = DefaultChunkSeconds
	}
	return &Splitter{
		ffmpegPath:   "ffmpeg",
		chunkSeconds: chunkSeconds,
		runner:       execRunner{},
		mkdirTemp:    os.MkdirTemp,
		log:          log,
	}
}

// NewSplitterWithRunner creates a Splitter with injected dependencies.
func NewSplitterWithRunner(chunkSeconds float64, path string, r Runner, mkdirTemp func(dir, pattern string) (string, error), log zerolog.Logger) *Splitter {
	s := NewSplitter(chunkSeconds, log)
	s.ffmpegPath = path
	s.runner = r
	if mkdirTemp != nil {
		s.mkdirTemp = mkdirTemp
	}
	return s
}

// ChunkSeconds returns the configured segment length.
func (s *Splitter) ChunkSeconds() float64 { return s.chunkSeconds }

// Split cuts the file into ceil(duration/chunkSeconds) segments. The last
// segment is clamped to the tail of the file. A chunk whose transcode fails
// is retried once; if its output is still missing or empty it is dropped
// and counted, not retried again.
func (s *Splitter) Split(ctx context.Context, path string, durationSeconds float64) (SplitResult, error) {
	if durationSeconds <= 0 {
		return SplitResult{}, &SplitError{Err: fmt.Errorf("invalid duration %.2fs", durationSeconds)}
	}

	dir, err := s.mkdirTemp("", "wf-chunks-*")
	if err != nil {
		return SplitResult{}, &SplitError{Err: fmt.Errorf("create temp dir: %w", err)}
	}

	numChunks := int(math.Ceil(durationSeconds / s.chunkSeconds))
	result := SplitResult{Dir: dir}

	for i := 0; i < numChunks; i++ {
		start := float64(i) * s.chunkSeconds
		dur := s.chunkSeconds
		if remaining := durationSeconds - start; remaining < dur {
			dur = remaining
		}

		outPath := filepath.Join(dir, fmt.Sprintf("chunk_%04d.wav", i))
		if err := s.extractChunk(ctx, path, outPath, start, dur); err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				_ = os.RemoveAll(dir)
				return SplitResult{}, &SplitError{Err: err}
			}
			s.log.Warn().Err(err).Int("chunk", i).Msg("chunk transcode failed, dropping")
			result.Dropped++
			continue
		}

		if fi, err := os.Stat(outPath); err != nil || fi.Size() == 0 {
			s.log.Warn().Int("chunk", i).Msg("chunk output missing or empty, dropping")
			result.Dropped++
			continue
		}

		result.Chunks = append(result.Chunks, Chunk{
			Index:           i,
			Path:            outPath,
			StartSeconds:    start,
			DurationSeconds: dur,
		})
	}

	return result, nil
}

// extractChunk runs one ffmpeg invocation with a bounded timeout, retrying
// once on failure.
func (s *Splitter) extractChunk(ctx context.Context, inPath, outPath string, start, dur float64) error {
	op := func() error {
		runCtx, cancel := context.WithTimeout(ctx, chunkTimeout)
		defer cancel()

		res, err := s.runner.Run(runCtx, s.ffmpegPath, splitArgs(inPath, outPath, start, dur)...)
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("ffmpeg exit %d: %w", res.ExitCode, err)
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), 1),
		ctx,
	)
	return backoff.Retry(op, bo)
}

// splitArgs builds ffmpeg args for one normalized segment: audio only,
// mono, 16 kHz, 16-bit PCM. This matches the transcription API's expected
// input and keeps upload size independent of the source bitrate.
func splitArgs(inPath, outPath string, start, dur float64) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", fmt.Sprintf("%.3f", start),
		"-t", fmt.Sprintf("%.3f", dur),
		"-i", inPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// CleanupChunks removes the temp directory owning a run's chunk files.
func CleanupChunks(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
