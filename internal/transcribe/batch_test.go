package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/whisperforge/wf-engine/internal/media"
)

// stubProvider returns canned text per chunk path and can fail selected
// chunks or inject per-call latency.
type stubProvider struct {
	mu       sync.Mutex
	fail     map[string]bool
	delay    func(path string) time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return "stub-1" }

func (s *stubProvider) Transcribe(ctx context.Context, path string) (*Response, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxSeen.Load()
		if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	if s.delay != nil {
		select {
		case <-time.After(s.delay(path)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	failed := s.fail[path]
	s.mu.Unlock()
	if failed {
		return nil, errors.New("provider unavailable")
	}
	return &Response{Text: "text for " + path}, nil
}

func makeChunks(n int) []media.Chunk {
	chunks := make([]media.Chunk, n)
	for i := range chunks {
		chunks[i] = media.Chunk{
			Index:           i,
			Path:            fmt.Sprintf("chunk_%04d.wav", i),
			StartSeconds:    float64(i) * 600,
			DurationSeconds: 600,
		}
	}
	return chunks
}

func TestTranscribeAllSuccess(t *testing.T) {
	b := NewBatcher(BatcherOptions{Provider: &stubProvider{}, Log: zerolog.Nop()})

	res, err := b.TranscribeAll(context.Background(), makeChunks(10))
	if err != nil {
		t.Fatalf("TranscribeAll: %v", err)
	}
	if len(res.ChunkTranscripts) != 10 {
		t.Errorf("transcripts = %d, want 10", len(res.ChunkTranscripts))
	}
	if res.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", res.SuccessRate)
	}
	for i := 0; i < 10; i++ {
		want := fmt.Sprintf("text for chunk_%04d.wav", i)
		if res.ChunkTranscripts[i] != want {
			t.Errorf("transcript[%d] = %q, want %q", i, res.ChunkTranscripts[i], want)
		}
	}
}

func TestTranscribeAllToleratesFailuresAtThreshold(t *testing.T) {
	// 3 of 10 fail: 70% success passes the 0.7 gate.
	p := &stubProvider{fail: map[string]bool{
		"chunk_0001.wav": true,
		"chunk_0004.wav": true,
		"chunk_0007.wav": true,
	}}
	b := NewBatcher(BatcherOptions{Provider: p, MinSuccess: 0.7, Log: zerolog.Nop()})

	res, err := b.TranscribeAll(context.Background(), makeChunks(10))
	if err != nil {
		t.Fatalf("TranscribeAll: %v", err)
	}
	if len(res.ChunkTranscripts) != 7 {
		t.Errorf("transcripts = %d, want 7", len(res.ChunkTranscripts))
	}
	if len(res.FailedChunks) != 3 {
		t.Errorf("failed = %d, want 3", len(res.FailedChunks))
	}
	for _, i := range []int{1, 4, 7} {
		if _, ok := res.ChunkTranscripts[i]; ok {
			t.Errorf("failed chunk %d present in transcripts", i)
		}
	}
}

func TestTranscribeAllFailsBelowThreshold(t *testing.T) {
	// 4 of 10 fail: 60% success misses the 0.7 gate.
	p := &stubProvider{fail: map[string]bool{
		"chunk_0001.wav": true,
		"chunk_0003.wav": true,
		"chunk_0005.wav": true,
		"chunk_0007.wav": true,
	}}
	b := NewBatcher(BatcherOptions{Provider: p, MinSuccess: 0.7, Log: zerolog.Nop()})

	res, err := b.TranscribeAll(context.Background(), makeChunks(10))
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("err = %v, want BatchError", err)
	}
	if batchErr.Succeeded != 6 || batchErr.Total != 10 {
		t.Errorf("BatchError = %d/%d, want 6/10", batchErr.Succeeded, batchErr.Total)
	}
	// Partial results survive for the caller to inspect.
	if len(res.ChunkTranscripts) != 6 {
		t.Errorf("partial transcripts = %d, want 6", len(res.ChunkTranscripts))
	}
}

func TestTranscribeAllBoundsConcurrency(t *testing.T) {
	p := &stubProvider{delay: func(string) time.Duration { return 20 * time.Millisecond }}
	b := NewBatcher(BatcherOptions{Provider: p, Workers: 4, Log: zerolog.Nop()})

	if _, err := b.TranscribeAll(context.Background(), makeChunks(12)); err != nil {
		t.Fatalf("TranscribeAll: %v", err)
	}
	if max := p.maxSeen.Load(); max > 4 {
		t.Errorf("max in-flight = %d, want <= 4", max)
	}
}

func TestTranscribeAllOrderIndependentOfCompletion(t *testing.T) {
	// Early chunks finish last; the mapping must still be keyed correctly.
	p := &stubProvider{delay: func(path string) time.Duration {
		if path == "chunk_0000.wav" {
			return 60 * time.Millisecond
		}
		return time.Millisecond
	}}
	b := NewBatcher(BatcherOptions{Provider: p, Workers: 4, Log: zerolog.Nop()})

	res, err := b.TranscribeAll(context.Background(), makeChunks(6))
	if err != nil {
		t.Fatalf("TranscribeAll: %v", err)
	}
	if res.ChunkTranscripts[0] != "text for chunk_0000.wav" {
		t.Errorf("transcript[0] = %q", res.ChunkTranscripts[0])
	}
}

func TestTranscribeAllReportsProgress(t *testing.T) {
	var mu sync.Mutex
	var snapshots []Progress
	b := NewBatcher(BatcherOptions{
		Provider: &stubProvider{},
		Log:      zerolog.Nop(),
		OnProgress: func(p Progress) {
			mu.Lock()
			snapshots = append(snapshots, p)
			mu.Unlock()
		},
	})

	if _, err := b.TranscribeAll(context.Background(), makeChunks(5)); err != nil {
		t.Fatalf("TranscribeAll: %v", err)
	}
	if len(snapshots) != 5 {
		t.Fatalf("progress snapshots = %d, want 5", len(snapshots))
	}
	for i, p := range snapshots {
		if p.Completed != i+1 {
			t.Errorf("snapshot %d Completed = %d, want %d", i, p.Completed, i+1)
		}
		if p.Total != 5 {
			t.Errorf("snapshot %d Total = %d, want 5", i, p.Total)
		}
	}
	last := snapshots[len(snapshots)-1]
	if last.Fraction != 1.0 {
		t.Errorf("final Fraction = %v, want 1.0", last.Fraction)
	}
	if last.ETA != 0 {
		t.Errorf("final ETA = %v, want 0", last.ETA)
	}
}

func TestTranscribeAllEmptyBatch(t *testing.T) {
	b := NewBatcher(BatcherOptions{Provider: &stubProvider{}, Log: zerolog.Nop()})
	res, err := b.TranscribeAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("TranscribeAll: %v", err)
	}
	if len(res.ChunkTranscripts) != 0 {
		t.Errorf("transcripts = %d, want 0", len(res.ChunkTranscripts))
	}
}

func TestTranscribeAllCancellation(t *testing.T) {
	p := &stubProvider{delay: func(string) time.Duration { return 50 * time.Millisecond }}
	b := NewBatcher(BatcherOptions{Provider: p, Workers: 2, MinSuccess: 0.9, Log: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.TranscribeAll(ctx, makeChunks(20))
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("err = %v, want BatchError after cancellation", err)
	}
}
