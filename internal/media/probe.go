package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const probeTimeout = 30 * time.Second

// Metadata describes the audio content of a media file.
type Metadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	Codec           string  `json:"codec"`
	ContainerFormat string  `json:"container_format"`
}

// ProbeError means the external inspection tool failed, timed out, or found
// no audio stream. It carries the tool's diagnostic output.
type ProbeError struct {
	Output string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("media probe failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("media probe failed: %v", e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Prober inspects media files with ffprobe.
type Prober struct {
	ffprobePath string
	runner      Runner
}

// NewProber creates a Prober using the ffprobe binary on PATH.
func NewProber() *Prober {
	return &Prober{ffprobePath: "ffprobe", runner: execRunner{}}
}

// NewProberWithRunner creates a Prober with an injected command runner.
func NewProberWithRunner(path string, r Runner) *Prober {
	return &Prober{ffprobePath: path, runner: r}
}

// ffprobeReport is the subset of ffprobe's JSON output we read.
type ffprobeReport struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Probe runs ffprobe against the file and returns its audio metadata.
// Idempotent; the only side effect is the short-lived subprocess.
func (p *Prober) Probe(ctx context.Context, path string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return Metadata{}, &ProbeError{Output: res.Stderr, Err: err}
	}

	var report ffprobeReport
	if err := json.Unmarshal([]byte(res.Stdout), &report); err != nil {
		return Metadata{}, &ProbeError{Output: res.Stdout, Err: fmt.Errorf("decode report: %w", err)}
	}

	md := Metadata{ContainerFormat: report.Format.FormatName}
	md.DurationSeconds, _ = strconv.ParseFloat(report.Format.Duration, 64)

	found := false
	for _, s := range report.Streams {
		if s.CodecType != "audio" {
			continue
		}
		found = true
		md.Codec = s.CodecName
		md.Channels = s.Channels
		md.SampleRate, _ = strconv.Atoi(s.SampleRate)
		break
	}
	if !found {
		return Metadata{}, &ProbeError{Output: res.Stdout, Err: fmt.Errorf("no audio stream in %s", path)}
	}
	if md.DurationSeconds <= 0 {
		return Metadata{}, &ProbeError{Output: res.Stdout, Err: fmt.Errorf("no duration reported for %s", path)}
	}

	return md, nil
}
