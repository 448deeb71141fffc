package api

import (
	"sort"
	"sync"

	"github.com/whisperforge/wf-engine/internal/pipeline"
)

// RunRegistry tracks in-flight and recently finished runs in memory. One
// entry per run; each entry carries a mutex so Advance is single-flight per
// run without serializing unrelated runs.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
}

type runEntry struct {
	run *pipeline.Run
	mu  sync.Mutex
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*runEntry)}
}

// Add registers a run.
func (rr *RunRegistry) Add(run *pipeline.Run) {
	rr.mu.Lock()
	rr.runs[run.ID] = &runEntry{run: run}
	rr.mu.Unlock()
}

// Get returns a run by ID.
func (rr *RunRegistry) Get(id string) (*pipeline.Run, bool) {
	rr.mu.RLock()
	e, ok := rr.runs[id]
	rr.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.run, true
}

// List returns all registered runs, newest first.
func (rr *RunRegistry) List() []*pipeline.Run {
	rr.mu.RLock()
	out := make([]*pipeline.Run, 0, len(rr.runs))
	for _, e := range rr.runs {
		out = append(out, e.run)
	}
	rr.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Remove drops a run from the registry.
func (rr *RunRegistry) Remove(id string) {
	rr.mu.Lock()
	delete(rr.runs, id)
	rr.mu.Unlock()
}

// WithLock runs fn while holding the run's own mutex, keeping concurrent
// Advance calls on one run single-flight. Returns false if the run is
// unknown or already being advanced.
func (rr *RunRegistry) WithLock(id string, fn func(*pipeline.Run)) (busy, found bool) {
	rr.mu.RLock()
	e, ok := rr.runs[id]
	rr.mu.RUnlock()
	if !ok {
		return false, false
	}
	if !e.mu.TryLock() {
		return true, true
	}
	defer e.mu.Unlock()
	fn(e.run)
	return false, true
}

// ActiveRunCount implements metrics.RunStats.
func (rr *RunRegistry) ActiveRunCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	n := 0
	for _, e := range rr.runs {
		if e.run.Active {
			n++
		}
	}
	return n
}
