package transcription

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Splitter is the audio-processing collaborator. It probes the source and
// produces chunk files no longer than maxChunkSeconds, each annotated with
// its start offset. It returns the chunks and the total source duration. A
// source already within the ceiling comes back as a single chunk pointing at
// the source file itself.
type Splitter interface {
	Split(ctx context.Context, path string, maxChunkSeconds float64) ([]AudioChunk, float64, error)
}

// ChunkProgressFunc observes per-chunk completion. Advisory only.
type ChunkProgressFunc func(completed, total int)

// Coordinator splits oversized audio, dispatches chunks to the configured
// provider, and stitches per-chunk segments into one monotonic timeline.
type Coordinator struct {
	provider Provider
	splitter Splitter
	logger   *zap.Logger
	onChunk  ChunkProgressFunc
}

type CoordinatorOption func(*Coordinator)

func WithChunkProgress(fn ChunkProgressFunc) CoordinatorOption {
	return func(c *Coordinator) { c.onChunk = fn }
}

func NewCoordinator(provider Provider, splitter Splitter, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{provider: provider, splitter: splitter, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TranscribeFile turns one audio file into a single stitched Result. Chunks
// may transcribe concurrently (the provider's admission gate bounds
// parallelism), but the output order is deterministic: stitching reorders by
// chunk index before concatenation. Any chunk failure aborts the whole job
// and discards partial results.
func (c *Coordinator) TranscribeFile(ctx context.Context, path string, cfg Config) (*Result, error) {
	if err := c.provider.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if !c.provider.Available() {
		return nil, &ProviderNotAvailableError{
			Provider: c.provider.Name(),
			Missing:  c.provider.RequiredDependencies(),
		}
	}

	jobID := uuid.NewString()
	log := c.logger.With(zap.String("job_id", jobID), zap.String("provider", c.provider.Name()))

	chunks, duration, err := c.splitter.Split(ctx, path, c.provider.MaxChunkSeconds())
	if err != nil {
		return nil, fmt.Errorf("split audio: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("audio splitter produced no chunks for %s", path)
	}
	defer c.removeChunkFiles(path, chunks, log)

	log.Info("transcribing file",
		zap.String("audio", path),
		zap.Int("chunks", len(chunks)),
		zap.Float64("duration_seconds", duration))

	results, err := c.transcribeChunks(ctx, chunks, cfg, log)
	if err != nil {
		return nil, err
	}

	return stitch(chunks, results, duration), nil
}

func (c *Coordinator) transcribeChunks(ctx context.Context, chunks []AudioChunk, cfg Config, log *zap.Logger) ([]*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		completed int
	)
	results := make([]*Result, len(chunks))

	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk AudioChunk) {
			defer wg.Done()

			res, err := c.provider.Transcribe(ctx, chunk, cfg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("chunk %d: %w", chunk.Index, err)
					cancel()
				}
				return
			}
			results[i] = res
			completed++
			if c.onChunk != nil {
				c.onChunk(completed, len(chunks))
			}
			log.Debug("chunk transcribed",
				zap.Int("index", chunk.Index),
				zap.Int("segments", len(res.Segments)))
		}(i, chunk)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// removeChunkFiles deletes the temporary chunk files the splitter produced,
// then the chunk directories once they are empty. The source file itself is
// never touched.
func (c *Coordinator) removeChunkFiles(sourcePath string, chunks []AudioChunk, log *zap.Logger) {
	dirs := make(map[string]struct{})
	for _, chunk := range chunks {
		if chunk.IsSource(sourcePath) {
			continue
		}
		if err := os.Remove(chunk.Path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove chunk file", zap.String("path", chunk.Path), zap.Error(err))
		}
		dirs[filepath.Dir(chunk.Path)] = struct{}{}
	}
	// os.Remove refuses non-empty directories, so a directory shared with
	// other files (the source, another job's chunks) survives.
	for dir := range dirs {
		_ = os.Remove(dir)
	}
}

// stitch reassembles per-chunk results into one timeline. Segment timestamps
// are shifted by their chunk's start offset, chunks are concatenated in index
// order, overlaps at chunk seams are clamped to the prior segment's end, and
// segments left with no positive duration are dropped.
func stitch(chunks []AudioChunk, results []*Result, duration float64) *Result {
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return chunks[order[a]].Index < chunks[order[b]].Index
	})

	var (
		segments []Segment
		language string
	)
	for _, i := range order {
		res := results[i]
		if res == nil {
			continue
		}
		if language == "" {
			language = res.Language
		}

		offset := chunks[i].StartOffset
		for _, seg := range res.Segments {
			shifted := Segment{
				Start:      seg.Start + offset,
				End:        seg.End + offset,
				Text:       strings.TrimSpace(seg.Text),
				Confidence: seg.Confidence,
			}
			if n := len(segments); n > 0 && shifted.Start < segments[n-1].End {
				shifted.Start = segments[n-1].End
			}
			if shifted.End <= shifted.Start {
				continue
			}
			segments = append(segments, shifted)
		}
	}

	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Text != "" {
			texts = append(texts, seg.Text)
		}
	}

	return &Result{
		Text:     strings.Join(texts, " "),
		Segments: segments,
		Language: language,
		Duration: duration,
	}
}
