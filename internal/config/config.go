// Package config loads and validates the sogon configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/e7217/sogon/internal/transcription"
)

//go:embed sample_config.toml
var sampleConfig string

// Transcription selects the backend and inference settings.
type Transcription struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	Device      string  `toml:"device"`
	ComputeType string  `toml:"compute_type"`
	Language    string  `toml:"language"`
	BeamSize    int     `toml:"beam_size"`
	Temperature float64 `toml:"temperature"`
	VADFilter   bool    `toml:"vad_filter"`
}

// Cache controls the on-disk model cache.
type Cache struct {
	Dir      string  `toml:"dir"`
	BudgetGB float64 `toml:"budget_gb"`
}

// Remote configures the hosted transcription endpoint. The credential is a
// reference to an environment variable, never the key itself.
type Remote struct {
	Endpoint  string `toml:"endpoint"`
	APIKeyEnv string `toml:"api_key_env"`
}

// Runtime bounds concurrent work.
type Runtime struct {
	MaxWorkers int `toml:"max_workers"`
}

// Logging controls log output.
type Logging struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Config encapsulates all configuration values for sogon.
type Config struct {
	Transcription Transcription `toml:"transcription"`
	Cache         Cache         `toml:"cache"`
	Remote        Remote        `toml:"remote"`
	Runtime       Runtime       `toml:"runtime"`
	Logging       Logging       `toml:"logging"`
}

// Default returns the built-in configuration used when no file exists.
func Default() Config {
	return Config{
		Transcription: Transcription{
			Provider: "local",
			Model:    "small",
			BeamSize: 5,
		},
		Cache: Cache{
			Dir:      "~/.cache/sogon/models",
			BudgetGB: 8,
		},
		Remote: Remote{
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Runtime: Runtime{
			MaxWorkers: 2,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the absolute path of the default config location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sogon/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has its path fields expanded. The bool reports whether a file was
// actually found; absence is not an error, defaults apply.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("sogon.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	c.Transcription.Provider = strings.ToLower(strings.TrimSpace(c.Transcription.Provider))
	c.Transcription.Model = strings.TrimSpace(c.Transcription.Model)
	c.Transcription.Device = strings.ToLower(strings.TrimSpace(c.Transcription.Device))
	c.Transcription.ComputeType = strings.ToLower(strings.TrimSpace(c.Transcription.ComputeType))
	c.Transcription.Language = strings.TrimSpace(c.Transcription.Language)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	dir, err := expandPath(c.Cache.Dir)
	if err != nil {
		return err
	}
	c.Cache.Dir = dir
	return nil
}

// Validate rejects configurations that cannot produce a working pipeline.
// Provider-specific required fields are checked later by the chosen provider.
func (c *Config) Validate() error {
	switch c.Transcription.Provider {
	case "local", "remote":
	default:
		return fmt.Errorf("transcription.provider must be \"local\" or \"remote\", got %q", c.Transcription.Provider)
	}
	if c.Transcription.BeamSize < 0 {
		return fmt.Errorf("transcription.beam_size must not be negative, got %d", c.Transcription.BeamSize)
	}
	if c.Transcription.Temperature < 0 || c.Transcription.Temperature > 1 {
		return fmt.Errorf("transcription.temperature must be in [0, 1], got %g", c.Transcription.Temperature)
	}
	if c.Cache.BudgetGB <= 0 {
		return fmt.Errorf("cache.budget_gb must be positive, got %g", c.Cache.BudgetGB)
	}
	if c.Runtime.MaxWorkers < 1 {
		return fmt.Errorf("runtime.max_workers must be at least 1, got %d", c.Runtime.MaxWorkers)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}

// Job flattens the file sections into the per-job configuration handed to
// providers.
func (c *Config) Job() transcription.Config {
	return transcription.Config{
		Provider:      c.Transcription.Provider,
		Model:         c.Transcription.Model,
		Device:        c.Transcription.Device,
		ComputeType:   c.Transcription.ComputeType,
		Language:      c.Transcription.Language,
		BeamSize:      c.Transcription.BeamSize,
		Temperature:   c.Transcription.Temperature,
		VADFilter:     c.Transcription.VADFilter,
		MaxWorkers:    c.Runtime.MaxWorkers,
		CacheDir:      c.Cache.Dir,
		CacheBudgetGB: c.Cache.BudgetGB,
		Endpoint:      c.Remote.Endpoint,
		APIKeyEnv:     c.Remote.APIKeyEnv,
	}
}

// CreateSample writes a commented sample configuration file.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
