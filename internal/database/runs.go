package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/whisperforge/wf-engine/internal/pipeline"
)

// RunSummary is a lightweight run view for listings.
type RunSummary struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	StepIndex int       `json:"step_index"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// SaveRun upserts the run row and its artifacts in one transaction.
// Implements pipeline.Persister.
func (db *DB) SaveRun(ctx context.Context, run *pipeline.Run) error {
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	errMap, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, filename, size_bytes, step_index, active, options, errors, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			step_index = EXCLUDED.step_index,
			active     = EXCLUDED.active,
			errors     = EXCLUDED.errors,
			updated_at = now()
	`, run.ID, run.FileInfo.Name, run.SizeBytes, run.StepIndex, run.Active, opts, errMap, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for step, content := range run.Results {
		_, err = tx.Exec(ctx, `
			INSERT INTO artifacts (run_id, step, content)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, step) DO UPDATE SET content = EXCLUDED.content
		`, run.ID, step, content)
		if err != nil {
			return fmt.Errorf("upsert artifact %s: %w", step, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.log.Debug().Str("run_id", run.ID).Int("artifacts", len(run.Results)).Msg("run persisted")
	return nil
}

// GetRun loads a run and its artifacts.
func (db *DB) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	run := &pipeline.Run{
		Results: make(map[string]string),
		Errors:  make(map[string]string),
	}
	var opts, errMap []byte

	err := db.Pool.QueryRow(ctx, `
		SELECT id, filename, size_bytes, step_index, active, options, errors, created_at
		FROM runs WHERE id = $1
	`, id).Scan(&run.ID, &run.FileInfo.Name, &run.SizeBytes, &run.StepIndex, &run.Active, &opts, &errMap, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	run.FileInfo.SizeMB = float64(run.SizeBytes) / (1 << 20)

	if err := json.Unmarshal(opts, &run.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal(errMap, &run.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `SELECT step, content FROM artifacts WHERE run_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step, content string
		if err := rows.Scan(&step, &content); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		run.Results[step] = content
	}
	return run, rows.Err()
}

// ListRuns returns recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, filename, step_index, active, created_at
		FROM runs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.ID, &s.Filename, &s.StepIndex, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
