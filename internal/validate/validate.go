package validate

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// MaxUploadBytes is the hard ceiling for a single upload.
	MaxUploadBytes int64 = 2 << 30 // 2 GiB

	// ChunkThresholdBytes selects the chunked processing path downstream.
	// The flag is size-based, not duration-based.
	ChunkThresholdBytes int64 = 100 << 20 // 100 MiB

	toolProbeTimeout = 5 * time.Second
)

// audioFormats are container extensions accepted as audio input.
var audioFormats = map[string]bool{
	"mp3": true, "wav": true, "m4a": true, "aac": true, "ogg": true,
	"flac": true, "wma": true, "webm": true, "mpeg": true, "mpga": true,
	"oga": true,
}

// videoFormats are container extensions accepted as video input; the audio
// track is extracted during chunking.
var videoFormats = map[string]bool{
	"mp4": true, "avi": true, "mov": true, "mkv": true, "wmv": true,
	"flv": true,
}

// Result is the outcome of upload validation. Computed once per upload and
// never mutated.
type Result struct {
	Valid            bool    `json:"valid"`
	SizeMB           float64 `json:"size_mb"`
	RequiresChunking bool    `json:"requires_chunking"`
	Format           string  `json:"format,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// ffmpegAvailable caches whether ffmpeg responds to a version probe
// (checked once per process).
var ffmpegAvailable *bool

// CheckFFmpeg reports whether ffmpeg is runnable on this host.
func CheckFFmpeg() bool {
	if ffmpegAvailable != nil {
		return *ffmpegAvailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolProbeTimeout)
	defer cancel()
	err := exec.CommandContext(ctx, "ffmpeg", "-version").Run()
	avail := err == nil
	ffmpegAvailable = &avail
	return avail
}

// Validator checks uploads against size and format constraints before any
// processing begins. Pure inspection of size and filename; no file I/O.
type Validator struct {
	toolCheck func() bool
}

// New creates a Validator using the real ffmpeg availability probe.
func New() *Validator {
	return &Validator{toolCheck: CheckFFmpeg}
}

// NewWithToolCheck creates a Validator with an injected tool probe.
func NewWithToolCheck(fn func() bool) *Validator {
	return &Validator{toolCheck: fn}
}

// Validate inspects the declared filename and size of an upload.
// Calling it twice with the same inputs yields an identical Result.
func (v *Validator) Validate(filename string, size int64) Result {
	res := Result{SizeMB: float64(size) / (1 << 20)}

	if filename == "" || size <= 0 {
		res.Error = "No file provided"
		return res
	}

	if size > MaxUploadBytes {
		res.Error = fmt.Sprintf("File too large: %.1fGB (max 2GB)", float64(size)/(1<<30))
		return res
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !audioFormats[ext] && !videoFormats[ext] {
		res.Error = fmt.Sprintf("Unsupported format: %q", ext)
		return res
	}
	res.Format = ext
	res.RequiresChunking = size > ChunkThresholdBytes

	if res.RequiresChunking && !v.toolCheck() {
		res.Error = "ffmpeg is required for files over 100MB but was not found"
		res.Valid = false
		return res
	}

	res.Valid = true
	return res
}

// IsVideo reports whether the extension belongs to the video set.
func IsVideo(ext string) bool {
	return videoFormats[strings.ToLower(strings.TrimPrefix(ext, "."))]
}
