package transcription

import (
	"fmt"
	"strings"
)

// Error types carry what failed, the measured state at failure time, and one
// actionable remediation. Callers match them with errors.As.

// ProviderNotAvailableError reports a provider whose dependencies or
// environment are missing.
type ProviderNotAvailableError struct {
	Provider string
	Missing  []string
}

func (e *ProviderNotAvailableError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("provider %q is not available in this environment", e.Provider)
	}
	return fmt.Sprintf("provider %q is not available, missing: %s; install the listed dependencies and retry",
		e.Provider, strings.Join(e.Missing, ", "))
}

// DeviceNotAvailableError reports an explicitly requested compute device that
// failed validation. The requested device is never silently substituted.
type DeviceNotAvailableError struct {
	Requested string
	Available []string
}

func (e *DeviceNotAvailableError) Error() string {
	return fmt.Sprintf("device %q is not available (detected: %s); pick one of the detected devices or leave the device empty for automatic selection",
		e.Requested, strings.Join(e.Available, ", "))
}

// InsufficientDiskSpaceError is raised by the pre-download storage check,
// before any bytes are transferred.
type InsufficientDiskSpaceError struct {
	Model       string
	Dir         string
	RequiredGB  float64
	AvailableGB float64
}

func (e *InsufficientDiskSpaceError) Error() string {
	return fmt.Sprintf("not enough disk space for model %q in %s: required %.1fGB, available %.1fGB; free %.1fGB or choose a smaller model",
		e.Model, e.Dir, e.RequiredGB, e.AvailableGB, e.RequiredGB-e.AvailableGB)
}

// ResourceExhaustedError reports RAM or accelerator memory over threshold,
// either during pre-flight or mid-job. It is fatal to the affected job.
type ResourceExhaustedError struct {
	Resource    string // "RAM" or "accelerator memory"
	UsedGB      float64
	AvailableGB float64
	RequiredGB  float64
}

func (e *ResourceExhaustedError) Error() string {
	if e.RequiredGB > 0 {
		return fmt.Sprintf("%s exhausted: required %.1fGB, available %.1fGB; close other applications or choose a smaller model",
			e.Resource, e.RequiredGB, e.AvailableGB)
	}
	return fmt.Sprintf("%s exhausted: %.1fGB used, %.1fGB available; close other applications or reduce the concurrency limit",
		e.Resource, e.UsedGB, e.AvailableGB)
}

// ModelDownloadError reports a download that failed after the bounded retry
// budget was spent.
type ModelDownloadError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *ModelDownloadError) Error() string {
	return fmt.Sprintf("download of model %q failed after %d attempts: %v; check the network connection and retry",
		e.Model, e.Attempts, e.Err)
}

func (e *ModelDownloadError) Unwrap() error { return e.Err }

// ModelCorruptionError reports a checksum mismatch on a downloaded artifact.
// The partial artifact is discarded before this error surfaces.
type ModelCorruptionError struct {
	Model    string
	Expected string
	Actual   string
}

func (e *ModelCorruptionError) Error() string {
	return fmt.Sprintf("model %q failed integrity check: expected sha256 %s, got %s; the artifact was discarded, retry the download",
		e.Model, e.Expected, e.Actual)
}

// ConfigurationError reports a missing or invalid required setting. Required
// fields are never silently defaulted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s; fix the %q setting and retry", e.Field, e.Reason, e.Field)
}
