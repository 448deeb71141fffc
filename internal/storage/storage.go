package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisperforge/wf-engine/internal/config"
)

// AudioStore abstracts where uploaded audio lives while a run processes it.
type AudioStore interface {
	// Save stores audio data. key format: {run_id}/{filename}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// LocalPath returns the local filesystem path if the file exists on
	// disk. Returns "" if not available locally.
	LocalPath(key string) string

	// URL returns a presigned URL for the audio file. Returns "" for
	// local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether the audio file is present.
	Exists(ctx context.Context, key string) bool

	// Delete removes the audio file once a run no longer needs it.
	Delete(ctx context.Context, key string) error

	// Type returns "local" or "s3".
	Type() string
}

// New creates an AudioStore based on config. With S3 configured the upload
// is mirrored to the object store while keeping a local working copy for
// ffmpeg; otherwise storage is purely local.
func New(cfg config.S3Config, uploadDir string, log zerolog.Logger) (AudioStore, error) {
	local := NewLocalStore(uploadDir)
	if !cfg.Enabled() {
		return local, nil
	}

	s3store, err := NewS3Store(cfg, local, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}
