package cli

import (
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/e7217/sogon/internal/modelcache"
	"github.com/e7217/sogon/internal/transcription"
)

type stopFunc func()

// chunkProgress renders per-chunk completion. The bar total is learned from
// the first callback since chunk count is unknown until the splitter runs.
func chunkProgress(description string) (transcription.ChunkProgressFunc, stopFunc) {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)

	onChunk := func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(
				total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(20),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(completed)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			if bar != nil {
				_ = bar.Finish()
			}
		})
	}
	return onChunk, stop
}

// downloadProgress renders model download percentage. The bar clears itself
// when the download reaches 100.
func downloadProgress(description string) modelcache.ProgressFunc {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)

	return func(percent float64) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(
				100,
				progressbar.OptionSetDescription(description),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetWidth(20),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(int(percent))
		if percent >= 100 {
			_ = bar.Finish()
			bar = nil
		}
	}
}
