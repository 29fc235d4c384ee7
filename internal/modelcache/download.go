package modelcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/transcription"
)

// ProgressFunc observes download progress as a 0-100 percentage. It is
// advisory only; correctness never depends on it.
type ProgressFunc func(percent float64)

const (
	// diskSafetyMargin is reserved headroom on top of the estimated model
	// footprint during the pre-download storage check.
	diskSafetyMargin = 500 * 1024 * 1024

	bytesPerGB = 1024 * 1024 * 1024

	defaultRetries        = 3
	defaultRetryBackoff   = 300 * time.Millisecond
	corruptionRetryBudget = 1
)

type downloadOptions struct {
	model       Model
	destination string
	retries     int
	backoff     time.Duration
	client      *http.Client
	logger      *zap.Logger
	progress    ProgressFunc
}

// freeDiskBytes is swapped in tests to simulate a full filesystem.
var freeDiskBytes = func(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// checkDiskSpace fails fast before any bytes are transferred when the
// filesystem holding dir cannot fit the model plus the safety margin.
func checkDiskSpace(dir string, model Model) error {
	free, err := freeDiskBytes(dir)
	if err != nil {
		return fmt.Errorf("stat filesystem for %s: %w", dir, err)
	}

	required := uint64(model.SizeBytes) + diskSafetyMargin
	if free < required {
		return &transcription.InsufficientDiskSpaceError{
			Model:       model.Name,
			Dir:         dir,
			RequiredGB:  float64(required) / bytesPerGB,
			AvailableGB: float64(free) / bytesPerGB,
		}
	}
	return nil
}

// downloadModel fetches the artifact into destination, verifying integrity.
// Transient failures are retried a bounded number of times with linear
// backoff; a checksum mismatch discards the artifact and is re-attempted once
// before surfacing ModelCorruptionError.
func downloadModel(ctx context.Context, opts downloadOptions) error {
	if opts.retries <= 0 {
		opts.retries = defaultRetries
	}
	if opts.backoff <= 0 {
		opts.backoff = defaultRetryBackoff
	}
	if opts.client == nil {
		opts.client = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	corruptions := 0
	var lastErr error
	for attempt := 1; attempt <= opts.retries; attempt++ {
		if attempt > 1 {
			opts.logger.Warn("retrying model download",
				zap.String("model", opts.model.Name),
				zap.Int("attempt", attempt),
				zap.Int("max", opts.retries))
			select {
			case <-time.After(time.Duration(attempt) * opts.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = downloadOnce(ctx, opts)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		var corrupt *transcription.ModelCorruptionError
		if errors.As(lastErr, &corrupt) {
			corruptions++
			if corruptions > corruptionRetryBudget {
				return corrupt
			}
		}
	}

	var corrupt *transcription.ModelCorruptionError
	if errors.As(lastErr, &corrupt) {
		return corrupt
	}
	return &transcription.ModelDownloadError{
		Model:    opts.model.Name,
		Attempts: opts.retries,
		Err:      lastErr,
	}
}

func downloadOnce(ctx context.Context, opts downloadOptions) error {
	tempPath := opts.destination + ".part"
	_ = os.Remove(tempPath)

	outFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		_ = outFile.Close()
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.model.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "sogon/1")

	resp, err := opts.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	hash := sha256.New()
	writer := io.MultiWriter(outFile, hash)
	if opts.progress != nil && resp.ContentLength > 0 {
		writer = io.MultiWriter(outFile, hash, &progressWriter{
			total:  resp.ContentLength,
			report: opts.progress,
		})
	}

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("download body: %w", err)
	}

	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	expected := strings.ToLower(strings.TrimSpace(opts.model.SHA256))
	if expected != "" && actual != expected {
		return &transcription.ModelCorruptionError{
			Model:    opts.model.Name,
			Expected: expected,
			Actual:   actual,
		}
	}

	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, opts.destination); err != nil {
		return fmt.Errorf("move temp file into destination: %w", err)
	}

	success = true
	return nil
}

type progressWriter struct {
	total   int64
	written int64
	report  ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	w.report(100 * float64(w.written) / float64(w.total))
	return len(p), nil
}

// VerifyFileChecksum re-hashes an on-disk artifact against its pinned sha256.
func VerifyFileChecksum(path, expectedSHA256 string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash file: %w", err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	expected := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expected != "" && actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
