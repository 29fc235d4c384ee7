package transcription

import "context"

// Config carries every setting a transcription job needs. It is an explicit
// value passed into every call; there is no process-wide mutable state.
type Config struct {
	Provider string `toml:"provider"`

	Model       string  `toml:"model"`
	Device      string  `toml:"device"`
	ComputeType string  `toml:"compute_type"`
	Language    string  `toml:"language"`
	BeamSize    int     `toml:"beam_size"`
	Temperature float64 `toml:"temperature"`
	VADFilter   bool    `toml:"vad_filter"`

	MaxWorkers    int     `toml:"max_workers"`
	CacheDir      string  `toml:"cache_dir"`
	CacheBudgetGB float64 `toml:"cache_budget_gb"`

	Endpoint  string `toml:"endpoint"`
	APIKeyEnv string `toml:"api_key_env"`
}

// Provider is the contract both transcription backends implement. The
// coordinator selects one per job from Config.Provider and never re-resolves
// it mid-job.
type Provider interface {
	// Name returns the unique provider identifier.
	Name() string

	// Available probes dependencies and environment without side effects.
	Available() bool

	// Transcribe converts a single audio chunk into a Result whose segment
	// timestamps are relative to the chunk start.
	Transcribe(ctx context.Context, chunk AudioChunk, cfg Config) (*Result, error)

	// ValidateConfig rejects configurations missing fields this provider
	// requires. Missing required fields are an error, never a default.
	ValidateConfig(cfg Config) error

	// RequiredDependencies lists external tool or credential names used to
	// build actionable "not installed" errors.
	RequiredDependencies() []string

	// MaxChunkSeconds is the longest chunk this backend accepts; the
	// coordinator hands it to the audio splitter as the chunk ceiling.
	MaxChunkSeconds() float64
}
