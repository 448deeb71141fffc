package validate

import (
	"strings"
	"testing"
)

func toolPresent() bool { return true }
func toolMissing() bool { return false }

func TestValidateAcceptsSupportedFormats(t *testing.T) {
	v := NewWithToolCheck(toolPresent)

	for _, name := range []string{
		"talk.mp3", "interview.WAV", "memo.m4a", "cast.ogg", "raw.flac",
		"clip.mp4", "screen.mkv", "cam.mov",
	} {
		res := v.Validate(name, 5<<20)
		if !res.Valid {
			t.Errorf("Validate(%q) invalid: %s", name, res.Error)
		}
		if res.RequiresChunking {
			t.Errorf("Validate(%q) requires chunking for a 5MB file", name)
		}
	}
}

func TestValidateRejectsUnsupportedFormat(t *testing.T) {
	v := NewWithToolCheck(toolPresent)
	res := v.Validate("notes.txt", 1<<20)
	if res.Valid {
		t.Error("expected .txt to be rejected")
	}
	if !strings.Contains(res.Error, "Unsupported format") {
		t.Errorf("Error = %q, want unsupported-format message", res.Error)
	}
}

func TestValidateRejectsMissingFile(t *testing.T) {
	v := NewWithToolCheck(toolPresent)
	if res := v.Validate("", 100); res.Valid {
		t.Error("expected empty filename to be rejected")
	}
	if res := v.Validate("a.mp3", 0); res.Valid {
		t.Error("expected zero size to be rejected")
	}
}

func TestValidateOversizeMessage(t *testing.T) {
	v := NewWithToolCheck(toolPresent)
	res := v.Validate("huge.wav", 3<<30) // 3 GiB
	if res.Valid {
		t.Fatal("expected 3GB file to be rejected")
	}
	if res.Error != "File too large: 3.0GB (max 2GB)" {
		t.Errorf("Error = %q, want %q", res.Error, "File too large: 3.0GB (max 2GB)")
	}
}

func TestValidateChunkThreshold(t *testing.T) {
	v := NewWithToolCheck(toolPresent)

	res := v.Validate("big.wav", 150<<20)
	if !res.Valid {
		t.Fatalf("150MB file rejected: %s", res.Error)
	}
	if !res.RequiresChunking {
		t.Error("150MB file should require chunking")
	}

	res = v.Validate("small.wav", 99<<20)
	if res.RequiresChunking {
		t.Error("99MB file should not require chunking")
	}
}

func TestValidateLargeFileWithoutTool(t *testing.T) {
	v := NewWithToolCheck(toolMissing)

	res := v.Validate("big.wav", 150<<20)
	if res.Valid {
		t.Error("large file should be rejected when ffmpeg is missing")
	}
	if !strings.Contains(res.Error, "ffmpeg") {
		t.Errorf("Error = %q, want ffmpeg mention", res.Error)
	}

	// Small files never need the tool.
	if res := v.Validate("small.mp3", 1<<20); !res.Valid {
		t.Errorf("small file rejected without tool: %s", res.Error)
	}
}

func TestValidateIdempotent(t *testing.T) {
	v := NewWithToolCheck(toolPresent)
	a := v.Validate("talk.mp3", 150<<20)
	b := v.Validate("talk.mp3", 150<<20)
	if a != b {
		t.Errorf("repeated validation differs: %+v vs %+v", a, b)
	}
}
