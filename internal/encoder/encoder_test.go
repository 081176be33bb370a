package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/errs"
)

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newEncoder(binary string, timeout time.Duration) *FFmpeg {
	return NewFFmpeg(config.EncoderConfig{
		Binary:      binary,
		FrameRate:   5,
		Codec:       "libx264",
		PixelFormat: "yuv420p",
		Timeout:     timeout,
	})
}

func testJob(t *testing.T) Job {
	dir := t.TempDir()
	return Job{
		SessionID:  uuid.New(),
		FramesDir:  filepath.Join(dir, "frames"),
		OutputPath: filepath.Join(dir, "out", "video.mp4"),
	}
}

func TestArgs(t *testing.T) {
	f := newEncoder("ffmpeg", time.Minute)
	job := Job{FramesDir: "/m/streams/s/frames", OutputPath: "/m/streams/s/video.mp4"}

	got := strings.Join(f.Args(job), " ")
	want := "-y -loglevel error -framerate 5 -pattern_type glob -i /m/streams/s/frames/*.jpg " +
		"-c:v libx264 -pix_fmt yuv420p -movflags +faststart /m/streams/s/video.mp4"
	if got != want {
		t.Errorf("Args =\n%s\nwant\n%s", got, want)
	}
}

func TestEncodeSuccess(t *testing.T) {
	// Writes three bytes to the last argument.
	bin := script(t, `for last; do :; done; printf abc > "$last"`)
	job := testJob(t)

	res := newEncoder(bin, time.Minute).Encode(context.Background(), job)
	if !res.OK() {
		t.Fatalf("Encode err = %v", res.Err)
	}
	if res.OutputPath != job.OutputPath || res.SizeBytes != 3 {
		t.Errorf("Result = %+v", res)
	}
}

func TestEncodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		binary  func(t *testing.T) string
		timeout time.Duration
		want    string
	}{
		{
			name:   "non-zero exit",
			binary: func(t *testing.T) string { return script(t, `echo "no frames matched" >&2; exit 3`) },
			want:   "exited with code 3: no frames matched",
		},
		{
			name:   "missing binary",
			binary: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent") },
			want:   "run ",
		},
		{
			name:    "timeout",
			binary:  func(t *testing.T) string { return script(t, `exec sleep 10`) },
			timeout: 100 * time.Millisecond,
			want:    "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Minute
			}
			job := testJob(t)

			res := newEncoder(tt.binary(t), timeout).Encode(context.Background(), job)
			if res.OK() {
				t.Fatal("Encode succeeded")
			}
			if !errors.Is(res.Err, errs.ErrEncoder) {
				t.Errorf("err = %v, want ErrEncoder", res.Err)
			}
			if !strings.Contains(res.Err.Error(), tt.want) {
				t.Errorf("err = %q, want containing %q", res.Err, tt.want)
			}
			if _, err := os.Stat(job.OutputPath); !os.IsNotExist(err) {
				t.Error("partial output left behind")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := newEncoder(script(t, "exit 0"), 0).Validate(context.Background()); err != nil {
		t.Errorf("Validate(ok) = %v", err)
	}
	if err := newEncoder(script(t, "exit 1"), 0).Validate(context.Background()); err == nil {
		t.Error("Validate(failing) = nil")
	}
}

func TestFailedEncodeKeepsPreviousVideo(t *testing.T) {
	// Writes partial output, then fails.
	bin := script(t, `for last; do :; done; printf half > "$last"; exit 1`)
	job := testJob(t)
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(job.OutputPath, []byte("good video"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := newEncoder(bin, time.Minute).Encode(context.Background(), job)
	if res.OK() {
		t.Fatal("Encode succeeded")
	}

	data, err := os.ReadFile(job.OutputPath)
	if err != nil {
		t.Fatalf("previous video removed: %v", err)
	}
	if string(data) != "good video" {
		t.Errorf("video = %q, want previous contents", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(job.OutputPath))
	if len(entries) != 1 {
		t.Errorf("output dir has %d entries, want only the video", len(entries))
	}
}

func TestEncodeReplacesPreviousVideo(t *testing.T) {
	bin := script(t, `for last; do :; done; printf new > "$last"`)
	job := testJob(t)
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(job.OutputPath, []byte("old video"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := newEncoder(bin, time.Minute).Encode(context.Background(), job)
	if !res.OK() {
		t.Fatalf("Encode err = %v", res.Err)
	}
	data, err := os.ReadFile(job.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" || res.SizeBytes != 3 {
		t.Errorf("video = %q size %d", data, res.SizeBytes)
	}
}
