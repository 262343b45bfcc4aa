// Package media shells out to ffmpeg and ffprobe for the format work the
// pipeline needs: normalizing arbitrary audio to the canonical WAV format,
// composing the static fallback video, and probing track durations.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrConversion marks undecodable input or a failed encode.
var ErrConversion = errors.New("media conversion failed")

// Runner executes an external tool and returns its stdout and stderr.
// Swappable so tests can stub the binaries.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// Toolchain wraps the ffmpeg and ffprobe binaries.
type Toolchain struct {
	ffmpeg  string
	ffprobe string
	run     Runner
}

func NewToolchain(ffmpegBin, ffprobeBin string) *Toolchain {
	if strings.TrimSpace(ffmpegBin) == "" {
		ffmpegBin = "ffmpeg"
	}
	if strings.TrimSpace(ffprobeBin) == "" {
		ffprobeBin = "ffprobe"
	}
	return &Toolchain{ffmpeg: ffmpegBin, ffprobe: ffprobeBin, run: execRunner}
}

// SetRunner replaces the process runner. Test hook.
func (t *Toolchain) SetRunner(run Runner) {
	t.run = run
}

// Normalize converts any decodable input audio into mono 16kHz 16-bit PCM
// WAV at outputPath. The input file is left in place.
func (t *Toolchain) Normalize(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-ac", "1",
		"-ar", "16000",
		"-acodec", "pcm_s16le",
		"-f", "wav",
		outputPath,
	}
	if _, stderr, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("%w: normalize %s: %v: %s", ErrConversion, inputPath, err, tail(stderr, 2000))
	}
	return nil
}

// ComposeStill loops a still image over an audio track into a progressive
// MP4: H.264 video at 30fps, AAC audio, height capped at 720. The output
// is bounded by the probed audio duration; some ffmpeg builds keep looping
// past -shortest when the image input has no timestamps.
func (t *Toolchain) ComposeStill(ctx context.Context, imagePath, wavPath, outPath string) error {
	args := []string{
		"-y",
		"-loop", "1",
		"-i", imagePath,
		"-i", wavPath,
	}
	if d, err := t.Duration(ctx, wavPath); err == nil && d > 0 {
		args = append(args, "-t", fmt.Sprintf("%.3f", d.Seconds()))
	}
	args = append(args,
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-r", "30",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=-2:'min(720,ih)'",
		"-c:a", "aac",
		"-b:a", "128k",
		"-shortest",
		"-movflags", "+faststart",
		outPath,
	)
	if _, stderr, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return fmt.Errorf("%w: compose %s + %s: %v: %s", ErrConversion, imagePath, wavPath, err, tail(stderr, 2000))
	}
	return nil
}

// Duration probes the playback length of a media file.
func (t *Toolchain) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	out, stderr, err := t.run(ctx, t.ffprobe, args...)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %v: %s", path, err, tail(stderr, 2000))
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: parse duration: %w", path, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
