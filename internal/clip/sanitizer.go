// Package clip wraps ffmpeg/ffprobe for clip hygiene: decode diagnostics,
// corrupt-frame stripping and duration probing. Everything shells out
// through an injectable Runner so tests never need media files.
package clip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fieldvision-data/crosscam.report/internal/config"
	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
)

// Runner executes an external command and returns its combined output.
// The default implementation shells out; tests substitute canned output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct{}

// Run executes the command, honoring ctx cancellation and deadline.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Sanitizer validates event clips before analysis and repairs the ones
// Frigate hands over with torn GOPs or DTS discontinuities.
type Sanitizer struct {
	runner Runner
	cfg    *config.TuningConfig
	logf   func(format string, v ...interface{})
}

// NewSanitizer creates a sanitizer shelling out through runner.
func NewSanitizer(runner Runner, cfg *config.TuningConfig) *Sanitizer {
	return &Sanitizer{runner: runner, cfg: cfg, logf: monitoring.Component("Sanitizer")}
}

// Sanitize checks the clip for decoder errors. A clean clip comes back as-is.
// A damaged one is re-encoded (corrupt frames discarded, PTS regenerated) to
// a sibling file; if the repaired clip is shorter than the minimum usable
// duration it is deleted and ErrCorruptClip returned. Internal sanitizer
// failures are logged and the original path returned: a broken ffmpeg
// install must not block analysis.
func (s *Sanitizer) Sanitize(ctx context.Context, clipPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetSanitizeTimeout())
	defer cancel()

	problems, err := s.decodeDiagnostics(ctx, clipPath)
	if err != nil {
		s.logf("diagnostics failed for %s, passing through: %v", clipPath, err)
		return clipPath, nil
	}
	if problems == 0 {
		return clipPath, nil
	}
	s.logf("%s has %d decode problems, re-encoding", clipPath, problems)

	fixed := siblingPath(clipPath)
	if _, err := s.runner.Run(ctx, "ffmpeg",
		"-y",
		"-err_detect", "ignore_err",
		"-fflags", "+discardcorrupt+genpts",
		"-i", clipPath,
		"-c:v", "libx264", "-preset", "veryfast",
		"-an",
		fixed,
	); err != nil {
		s.logf("re-encode failed for %s, passing through: %v", clipPath, err)
		return clipPath, nil
	}

	dur, err := s.Duration(ctx, fixed)
	if err != nil {
		s.logf("probe of repaired %s failed, passing through original: %v", fixed, err)
		os.Remove(fixed)
		return clipPath, nil
	}
	if dur < s.cfg.GetMinClipDurationSec() {
		os.Remove(fixed)
		return "", fmt.Errorf("repaired clip %.2fs below usable minimum: %w", dur, fault.ErrCorruptClip)
	}
	return fixed, nil
}

// decodeDiagnostics runs a null-sink decode and counts decoder error lines
// and non-monotonic DTS warnings.
func (s *Sanitizer) decodeDiagnostics(ctx context.Context, clipPath string) (int, error) {
	out, err := s.runner.Run(ctx, "ffmpeg",
		"-v", "error",
		"-i", clipPath,
		"-f", "null", "-",
	)
	// ffmpeg exits nonzero on hard failures but still emits diagnostics for
	// recoverable corruption; only treat an error with no output as fatal.
	if err != nil && len(bytes.TrimSpace(out)) == 0 {
		return 0, fault.External("decode probe", err)
	}
	return countDecodeProblems(out), nil
}

func countDecodeProblems(out []byte) int {
	problems := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.ToLower(sc.Text())
		switch {
		case strings.Contains(line, "error"),
			strings.Contains(line, "corrupt"),
			strings.Contains(line, "non monotonically increasing dts"),
			strings.Contains(line, "non-monotonic dts"):
			problems++
		}
	}
	return problems
}

// Duration probes the clip's container duration in seconds.
func (s *Sanitizer) Duration(ctx context.Context, clipPath string) (float64, error) {
	out, err := s.runner.Run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		clipPath,
	)
	if err != nil {
		return 0, fault.External("ffprobe", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return dur, nil
}

// ExtractSegment cuts [startSec, startSec+durSec) into a new file next to
// the source, stream-copied. Used by the PTZ calibrator and clip export.
func (s *Sanitizer) ExtractSegment(ctx context.Context, clipPath string, startSec, durSec float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetSanitizeTimeout())
	defer cancel()

	out := segmentPath(clipPath, startSec)
	_, err := s.runner.Run(ctx, "ffmpeg",
		"-y",
		"-ss", formatSeconds(startSec),
		"-i", clipPath,
		"-t", formatSeconds(durSec),
		"-c", "copy",
		out,
	)
	if err != nil {
		return "", fault.External("extract segment", err)
	}
	return out, nil
}

// IsTimeout reports whether a sanitizer error came from the per-clip
// deadline rather than the media itself.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func siblingPath(clipPath string) string {
	ext := filepath.Ext(clipPath)
	return strings.TrimSuffix(clipPath, ext) + "_sanitized" + ext
}

// IsScratch reports whether the path is sanitizer or segment output rather
// than an original recording. Scratch files land next to their source, so
// the inbox watcher uses this to keep repaired clips from being ingested as
// fresh recordings.
func IsScratch(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if strings.HasSuffix(base, "_sanitized") {
		return true
	}
	i := strings.LastIndex(base, "_seg")
	if i < 0 {
		return false
	}
	rest := base[i+len("_seg"):]
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func segmentPath(clipPath string, startSec float64) string {
	ext := filepath.Ext(clipPath)
	return fmt.Sprintf("%s_seg%d%s", strings.TrimSuffix(clipPath, ext), int64(startSec*1000), ext)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
