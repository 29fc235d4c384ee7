// Package audio prepares source files for transcription by splitting them
// into bounded chunks with ffmpeg.
package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/transcription"
)

// Splitter cuts audio into chunks no longer than the provider's ceiling.
// Files short enough to fit in one chunk are handed through untouched.
type Splitter struct {
	logger *zap.Logger

	// workDir overrides where chunk files land; empty means the system
	// temp directory. Tests set it.
	workDir string
}

func NewSplitter(logger *zap.Logger) *Splitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Splitter{logger: logger}
}

func (s *Splitter) Split(ctx context.Context, path string, maxChunkSeconds float64) ([]transcription.AudioChunk, float64, error) {
	if maxChunkSeconds <= 0 {
		return nil, 0, fmt.Errorf("chunk ceiling must be positive, got %g", maxChunkSeconds)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, 0, fmt.Errorf("stat audio file: %w", err)
	}

	duration, err := probeDuration(ctx, path)
	if err != nil {
		return nil, 0, err
	}

	if duration <= maxChunkSeconds {
		chunk := transcription.AudioChunk{Path: path, StartOffset: 0, Duration: duration, Index: 0}
		return []transcription.AudioChunk{chunk}, duration, nil
	}

	count := int(math.Ceil(duration / maxChunkSeconds))
	dir, err := os.MkdirTemp(s.workDir, "sogon-chunks-")
	if err != nil {
		return nil, 0, fmt.Errorf("create chunk directory: %w", err)
	}

	s.logger.Debug("splitting audio",
		zap.String("source", path),
		zap.Float64("duration_s", duration),
		zap.Int("chunks", count))

	chunks := make([]transcription.AudioChunk, 0, count)
	for i := 0; i < count; i++ {
		offset := float64(i) * maxChunkSeconds
		length := math.Min(maxChunkSeconds, duration-offset)
		chunkPath := filepath.Join(dir, fmt.Sprintf("chunk_%03d.wav", i))

		if err := cutChunk(ctx, path, chunkPath, offset, length); err != nil {
			removeAll(chunks)
			_ = os.RemoveAll(dir)
			return nil, 0, err
		}
		chunks = append(chunks, transcription.AudioChunk{
			Path:        chunkPath,
			StartOffset: offset,
			Duration:    length,
			Index:       i,
		})
	}
	return chunks, duration, nil
}

// probeDuration and cutChunk shell out to ffprobe/ffmpeg; tests stub them.
var probeDuration = func(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe audio duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("audio file has no measurable duration: %s", path)
	}
	return duration, nil
}

var cutChunk = func(ctx context.Context, source, dest string, offset, length float64) error {
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-ss", formatSeconds(offset),
		"-t", formatSeconds(length),
		"-i", source,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dest,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("cut chunk at %ss: %w (%s)", formatSeconds(offset), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func removeAll(chunks []transcription.AudioChunk) {
	for _, c := range chunks {
		_ = os.Remove(c.Path)
	}
}
