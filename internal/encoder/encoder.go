// Package encoder assembles a directory of JPEG frames into an MP4 video by
// running an external ffmpeg process.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/errs"
)

// Job describes one assembly run
type Job struct {
	SessionID  uuid.UUID
	FramesDir  string
	OutputPath string
}

// Result is the outcome of an assembly run. Err wraps errs.ErrEncoder on
// failure.
type Result struct {
	OutputPath string
	SizeBytes  int64
	Elapsed    time.Duration
	Err        error
}

// OK reports whether the run succeeded
func (r Result) OK() bool { return r.Err == nil }

// Encoder turns a frame directory into a video file
type Encoder interface {
	Encode(ctx context.Context, job Job) Result
}

// outputTailBytes bounds how much process output is kept in errors
const outputTailBytes = 512

// FFmpeg runs the ffmpeg binary. The exit status is the only success
// signal.
type FFmpeg struct {
	binary      string
	frameRate   int
	codec       string
	pixelFormat string
	timeout     time.Duration
}

// NewFFmpeg creates an FFmpeg encoder from configuration
func NewFFmpeg(cfg config.EncoderConfig) *FFmpeg {
	return &FFmpeg{
		binary:      cfg.Binary,
		frameRate:   cfg.FrameRate,
		codec:       cfg.Codec,
		pixelFormat: cfg.PixelFormat,
		timeout:     cfg.Timeout,
	}
}

// Args returns the command line used for job
func (f *FFmpeg) Args(job Job) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-framerate", strconv.Itoa(f.frameRate),
		"-pattern_type", "glob",
		"-i", filepath.Join(job.FramesDir, "*.jpg"),
		"-c:v", f.codec,
		"-pix_fmt", f.pixelFormat,
		"-movflags", "+faststart",
		job.OutputPath,
	}
}

// Encode runs ffmpeg for job, killing it after the configured timeout
func (f *FFmpeg) Encode(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{OutputPath: job.OutputPath}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		res.Err = fmt.Errorf("%w: create output dir: %v", errs.ErrEncoder, err)
		return res
	}

	// ffmpeg writes next to the target and the result is renamed over it,
	// so a failed run keeps any earlier video.
	final := job.OutputPath
	job.OutputPath = tempPath(final)
	defer os.Remove(job.OutputPath)

	cmd := exec.CommandContext(ctx, f.binary, f.Args(job)...)
	cmd.WaitDelay = 2 * time.Second

	log.Debug().
		Str("session_id", job.SessionID.String()).
		Str("binary", f.binary).
		Strs("args", cmd.Args[1:]).
		Msg("Starting video encoder")

	output, err := cmd.CombinedOutput()
	res.Elapsed = time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.Err = fmt.Errorf("%w: %s timed out after %s", errs.ErrEncoder, f.binary, f.timeout)
		case errors.As(err, &exitErr):
			res.Err = fmt.Errorf("%w: %s exited with code %d: %s", errs.ErrEncoder, f.binary, exitErr.ExitCode(), tail(output))
		default:
			res.Err = fmt.Errorf("%w: run %s: %v", errs.ErrEncoder, f.binary, err)
		}
		return res
	}

	if err := os.Rename(job.OutputPath, final); err != nil {
		res.Err = fmt.Errorf("%w: replace output: %v", errs.ErrEncoder, err)
		return res
	}
	if info, err := os.Stat(final); err == nil {
		res.SizeBytes = info.Size()
	}
	return res
}

// tempPath keeps the extension of p so ffmpeg picks the same container
func tempPath(p string) string {
	return filepath.Join(filepath.Dir(p), ".partial-"+filepath.Base(p))
}

// Validate checks that the binary can be executed
func (f *FFmpeg) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary, "-version")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s not usable: %v: %s", errs.ErrEncoder, f.binary, err, tail(output))
	}
	return nil
}

func tail(output []byte) string {
	output = bytes.TrimSpace(output)
	if len(output) > outputTailBytes {
		output = output[len(output)-outputTailBytes:]
	}
	return string(output)
}
