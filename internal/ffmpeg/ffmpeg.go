// Package ffmpeg wraps the ffprobe and ffmpeg binaries.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Sampler extracts evenly spaced still frames from a video file.
type Sampler struct {
	FFmpeg  string
	FFprobe string
}

func NewSampler() *Sampler {
	return &Sampler{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

// probeOutput is the subset of `ffprobe -show_format` we read.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the container duration of the file at path.
func (s *Sampler) Duration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, s.FFprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w: %s", err, stderr.String())
	}
	return parseDuration(out.Bytes())
}

func parseDuration(out []byte) (time.Duration, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if probe.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	secs, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", probe.Format.Duration, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// SampleFrames returns up to maxFrames JPEG frames spread over the whole
// video, each scaled so its longest side is at most maxDim pixels.
func (s *Sampler) SampleFrames(ctx context.Context, path string, maxFrames, maxDim int) ([][]byte, error) {
	if maxFrames <= 0 {
		return nil, nil
	}
	duration, err := s.Duration(ctx, path)
	if err != nil {
		// Some streams carry no container duration; one frame per second
		// still covers short clips.
		duration = 0
	}

	dir, err := os.MkdirTemp("", "eylo-frames-*")
	if err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cmd := exec.CommandContext(ctx, s.FFmpeg,
		"-v", "error",
		"-i", path,
		"-vf", frameFilter(duration, maxFrames, maxDim),
		"-frames:v", strconv.Itoa(maxFrames),
		"-q:v", "4",
		filepath.Join(dir, "frame_%03d.jpg"),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w: %s", err, stderr.String())
	}

	files, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	frames := make([][]byte, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		frames = append(frames, b)
	}
	return frames, nil
}

// frameFilter builds the -vf chain: an fps that spreads maxFrames over the
// duration, then a downscale that keeps the aspect ratio.
func frameFilter(duration time.Duration, maxFrames, maxDim int) string {
	fps := "1"
	if duration > 0 {
		rate := float64(maxFrames) / duration.Seconds()
		fps = strconv.FormatFloat(rate, 'f', 4, 64)
	}
	return fmt.Sprintf(
		"fps=%s,scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease",
		fps, maxDim, maxDim)
}
