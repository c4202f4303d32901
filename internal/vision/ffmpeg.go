package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
	"github.com/fieldvision-data/crosscam.report/internal/fsutil"
	"github.com/fieldvision-data/crosscam.report/internal/monitoring"
	"github.com/fieldvision-data/crosscam.report/internal/security"
)

// FFmpegMedia implements FrameSource and ClipService by shelling out to
// ffmpeg and ffprobe. Clips live on local disk under clipDir; extracted
// segments go to workDir.
type FFmpegMedia struct {
	fs      fsutil.FileSystem
	clipDir string
	workDir string
	logf    func(format string, v ...interface{})
}

// NewFFmpegMedia creates a media backend rooted at clipDir.
func NewFFmpegMedia(fs fsutil.FileSystem, clipDir, workDir string) *FFmpegMedia {
	return &FFmpegMedia{
		fs:      fs,
		clipDir: clipDir,
		workDir: workDir,
		logf:    monitoring.Component("FFmpeg"),
	}
}

// FetchClip resolves an event clip to its path under clipDir. The recorder
// names clips <camera_id>__<event_id>.mp4.
func (m *FFmpegMedia) FetchClip(ctx context.Context, eventID, cameraID string) (string, error) {
	path := filepath.Join(m.clipDir, security.SanitizeName(cameraID)+"__"+security.SanitizeName(eventID)+".mp4")
	if !m.fs.Exists(path) {
		return "", fmt.Errorf("clip %s: %w", path, fault.ErrNotFound)
	}
	return path, nil
}

// ProbeClip reads stream metadata with ffprobe.
func (m *FFmpegMedia) ProbeClip(ctx context.Context, path string) (ClipProbe, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return ClipProbe{}, fault.External("ffprobe "+path+": "+strings.TrimSpace(stderr.String()), err)
	}
	return parseProbe(out)
}

// ExtractClip copies a time window of src into workDir without re-encoding.
func (m *FFmpegMedia) ExtractClip(ctx context.Context, src string, startTime, duration float64) (string, error) {
	if duration <= 0 {
		return "", fmt.Errorf("extract duration %.3f: %w", duration, fault.ErrBadInput)
	}
	if err := m.fs.MkdirAll(m.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(m.workDir, fmt.Sprintf("%s_%d_%d.mp4",
		base, int(startTime*1000), int(duration*1000)))

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error", "-y",
		"-ss", strconv.FormatFloat(startTime, 'f', 3, 64),
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
		"-i", src,
		"-c", "copy",
		out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fault.External("ffmpeg extract "+src+": "+strings.TrimSpace(stderr.String()), err)
	}
	if !m.fs.Exists(out) {
		return "", fmt.Errorf("extract produced no output %s: %w", out, fault.ErrExternalUnavailable)
	}
	return out, nil
}

// Frames decodes every step-th frame as MJPEG over a pipe. Timestamps are
// derived from the probed frame rate.
func (m *FFmpegMedia) Frames(ctx context.Context, clipPath string, step int) (FrameIterator, error) {
	if step < 1 {
		step = 1
	}
	probe, err := m.ProbeClip(ctx, clipPath)
	if err != nil {
		return nil, err
	}
	if probe.FPS <= 0 {
		return nil, fmt.Errorf("clip %s has no frame rate: %w", clipPath, fault.ErrBadInput)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-i", clipPath,
		"-vf", fmt.Sprintf(`select=not(mod(n\,%d))`, step),
		"-vsync", "vfr",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.External("ffmpeg stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fault.External("start ffmpeg decode "+clipPath, err)
	}

	finish := func() error {
		if err := cmd.Wait(); err != nil {
			return fault.External("ffmpeg decode "+clipPath+": "+strings.TrimSpace(stderr.String()), err)
		}
		return nil
	}
	return newMJPEGIterator(bufio.NewReaderSize(stdout, 1<<20), probe.FPS, step, finish), nil
}

// mjpegIterator decodes back-to-back JPEG images from a stream.
type mjpegIterator struct {
	r      *bufio.Reader
	finish func() error
	fps    float64
	step   int
	frame  Frame
	idx    int
	err    error
	done   bool
}

func newMJPEGIterator(r *bufio.Reader, fps float64, step int, finish func() error) *mjpegIterator {
	return &mjpegIterator{r: r, finish: finish, fps: fps, step: step}
}

func (it *mjpegIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	data, err := readJPEGFrame(it.r)
	if errors.Is(err, io.EOF) {
		it.done = true
		if ferr := it.finish(); ferr != nil {
			it.err = ferr
		}
		return false
	}
	if err == nil {
		var img image.Image
		if img, err = jpeg.Decode(bytes.NewReader(data)); err == nil {
			it.frame = Frame{
				Image:     img,
				Timestamp: float64(it.idx*it.step) / it.fps,
				Index:     it.idx * it.step,
			}
			it.idx++
			return true
		}
	}
	it.done = true
	it.err = fmt.Errorf("decode frame %d: %w", it.idx*it.step, err)
	it.finish()
	return false
}

// readJPEGFrame returns the next SOI..EOI span from the stream. jpeg.Decode
// buffers ahead internally, so frames must be split on markers before
// decoding. EOF at a frame boundary ends the stream cleanly; EOF mid-frame is
// a truncated clip.
func readJPEGFrame(br *bufio.Reader) ([]byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, io.EOF
		}
		if b != 0xff {
			continue
		}
		nb, err := br.ReadByte()
		if err != nil {
			return nil, io.EOF
		}
		if nb == 0xd8 {
			break
		}
	}
	buf := []byte{0xff, 0xd8}
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		buf = append(buf, b)
		if prev == 0xff && b == 0xd9 {
			return buf, nil
		}
		prev = b
	}
}

func (it *mjpegIterator) Frame() Frame { return it.frame }
func (it *mjpegIterator) Err() error   { return it.err }

func (it *mjpegIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	// Drain so the child is not blocked on a full pipe before Wait.
	io.Copy(io.Discard, it.r)
	return it.finish()
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// parseProbe extracts the first video stream from ffprobe JSON.
func parseProbe(data []byte) (ClipProbe, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ClipProbe{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var probe ClipProbe
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return ClipProbe{}, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
		}
		probe.DurationSeconds = d
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		probe.Width = s.Width
		probe.Height = s.Height
		probe.FPS = parseRate(s.AvgFrameRate)
		if probe.FPS <= 0 {
			probe.FPS = parseRate(s.RFrameRate)
		}
		return probe, nil
	}
	return ClipProbe{}, fmt.Errorf("no video stream: %w", fault.ErrBadInput)
}

// parseRate parses an ffprobe rational like "30000/1001". Zero denominators
// and malformed values parse as 0.
func parseRate(r string) float64 {
	if r == "" {
		return 0
	}
	num, den := r, "1"
	if i := strings.IndexByte(r, '/'); i >= 0 {
		num, den = r[:i], r[i+1:]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
