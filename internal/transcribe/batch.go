package transcribe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/media"
	"github.com/whisperforge/wf-engine/internal/metrics"
)

// DefaultWorkers is the fixed concurrency limit for batch transcription.
const DefaultWorkers = 4

// DefaultMinSuccessRate is the fraction of chunks that must transcribe
// successfully for a batch to pass.
const DefaultMinSuccessRate = 0.7

// ChunkResult is the outcome for one chunk, produced exactly once by a worker.
type ChunkResult struct {
	ChunkIndex int
	Text       string
	Success    bool
}

// Progress is a snapshot emitted after each chunk completes. Fraction and
// ETA are derived from wall-clock deltas so a caller can render live
// progress without polling chunk internals.
type Progress struct {
	Completed int
	Total     int
	Fraction  float64
	Elapsed   time.Duration
	ETA       time.Duration
}

// ProgressFunc receives progress snapshots. Called from the collector
// goroutine; must not block for long.
type ProgressFunc func(Progress)

// BatchError means too few chunks succeeded. Partial results still exist on
// the BatchResult returned alongside it; the caller decides whether to use
// them.
type BatchError struct {
	Succeeded  int
	Total      int
	MinSuccess float64
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("transcription batch failed: %d/%d chunks succeeded (%.0f%%), need %.0f%%",
		e.Succeeded, e.Total, 100*float64(e.Succeeded)/float64(e.Total), 100*e.MinSuccess)
}

// BatchResult aggregates a batch. ChunkTranscripts is keyed by chunk index
// because completion order is unspecified; ordering is restored at assembly.
type BatchResult struct {
	ChunkTranscripts map[int]string
	FailedChunks     []int
	SuccessRate      float64
	TotalTime        time.Duration
}

// Batcher transcribes a set of chunks concurrently with a bounded worker
// pool, tolerating a bounded failure rate.
type Batcher struct {
	provider   Provider
	workers    int
	minSuccess float64
	onProgress ProgressFunc
	log        zerolog.Logger
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	Provider   Provider
	Workers    int
	MinSuccess float64
	OnProgress ProgressFunc
	Log        zerolog.Logger
}

// NewBatcher creates a batch transcriber.
func NewBatcher(opts BatcherOptions) *Batcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	minSuccess := opts.MinSuccess
	if minSuccess <= 0 || minSuccess > 1 {
		minSuccess = DefaultMinSuccessRate
	}
	return &Batcher{
		provider:   opts.Provider,
		workers:    workers,
		minSuccess: minSuccess,
		onProgress: opts.OnProgress,
		log:        opts.Log,
	}
}

// Workers returns the pool size.
func (b *Batcher) Workers() int { return b.workers }

// MinSuccess returns the configured pass threshold.
func (b *Batcher) MinSuccess() float64 { return b.minSuccess }

// TranscribeAll runs every chunk through the provider using the worker
// pool. Submission order is index order; completion order races. A failing
// chunk is recorded and never cancels sibling in-flight work. If the
// success rate ends below the threshold, the partial BatchResult is
// returned together with a *BatchError.
func (b *Batcher) TranscribeAll(ctx context.Context, chunks []media.Chunk) (BatchResult, error) {
	start := time.Now()
	total := len(chunks)
	result := BatchResult{ChunkTranscripts: make(map[int]string, total)}
	if total == 0 {
		return result, nil
	}

	jobs := make(chan media.Chunk)
	results := make(chan ChunkResult, total)

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := b.log.With().Int("worker", worker).Logger()
			for chunk := range jobs {
				results <- b.transcribeOne(ctx, log, chunk)
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, c := range chunks {
			select {
			case jobs <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	for r := range results {
		completed++
		if r.Success {
			result.ChunkTranscripts[r.ChunkIndex] = r.Text
		} else {
			result.FailedChunks = append(result.FailedChunks, r.ChunkIndex)
		}

		if b.onProgress != nil {
			elapsed := time.Since(start)
			p := Progress{
				Completed: completed,
				Total:     total,
				Fraction:  float64(completed) / float64(total),
				Elapsed:   elapsed,
			}
			if completed < total {
				p.ETA = time.Duration(float64(elapsed) / float64(completed) * float64(total-completed))
			}
			b.onProgress(p)
		}
	}

	result.TotalTime = time.Since(start)
	succeeded := len(result.ChunkTranscripts)
	result.SuccessRate = float64(succeeded) / float64(total)

	b.log.Info().
		Int("chunks", total).
		Int("succeeded", succeeded).
		Dur("total_time", result.TotalTime).
		Msg("transcription batch finished")

	if result.SuccessRate < b.minSuccess {
		return result, &BatchError{Succeeded: succeeded, Total: total, MinSuccess: b.minSuccess}
	}
	return result, nil
}

// transcribeOne runs a single chunk, absorbing any provider error into a
// failed ChunkResult.
func (b *Batcher) transcribeOne(ctx context.Context, log zerolog.Logger, chunk media.Chunk) ChunkResult {
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Int("chunk", chunk.Index).Msg("chunk skipped, batch cancelled")
		return ChunkResult{ChunkIndex: chunk.Index, Text: "[transcription cancelled]"}
	}

	start := time.Now()
	resp, err := b.provider.Transcribe(ctx, chunk.Path)
	metrics.ChunkTranscribeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ChunksTranscribedTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Int("chunk", chunk.Index).Msg("chunk transcription failed")
		return ChunkResult{ChunkIndex: chunk.Index, Text: "[transcription failed]"}
	}

	metrics.ChunksTranscribedTotal.WithLabelValues("success").Inc()
	text := strings.TrimSpace(resp.Text)
	log.Debug().Int("chunk", chunk.Index).Int("chars", len(text)).Msg("chunk transcribed")
	return ChunkResult{ChunkIndex: chunk.Index, Text: text, Success: true}
}
