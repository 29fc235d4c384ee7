package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nope.toml")
	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, path, resolved)

	require.Equal(t, "local", cfg.Transcription.Provider)
	require.Equal(t, "small", cfg.Transcription.Model)
	require.Equal(t, 5, cfg.Transcription.BeamSize)
	require.InDelta(t, 8.0, cfg.Cache.BudgetGB, 0.001)
	require.Equal(t, 2, cfg.Runtime.MaxWorkers)
	require.Equal(t, "OPENAI_API_KEY", cfg.Remote.APIKeyEnv)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[transcription]
provider = "remote"
language = "ko"
temperature = 0.4

[remote]
endpoint = "https://api.example.com/v1/audio/transcriptions"
api_key_env = "EXAMPLE_KEY"

[runtime]
max_workers = 4

[logging]
level = "debug"
json = true
`)

	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)

	require.Equal(t, "remote", cfg.Transcription.Provider)
	require.Equal(t, "ko", cfg.Transcription.Language)
	require.InDelta(t, 0.4, cfg.Transcription.Temperature, 0.001)
	require.Equal(t, "https://api.example.com/v1/audio/transcriptions", cfg.Remote.Endpoint)
	require.Equal(t, "EXAMPLE_KEY", cfg.Remote.APIKeyEnv)
	require.Equal(t, 4, cfg.Runtime.MaxWorkers)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Logging.JSON)

	// Untouched sections keep their defaults.
	require.Equal(t, "small", cfg.Transcription.Model)
	require.InDelta(t, 8.0, cfg.Cache.BudgetGB, 0.001)
}

func TestLoadNormalizesCase(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[transcription]
provider = "Local"
device = "CUDA"
compute_type = "Float16"
`)

	cfg, _, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Transcription.Provider)
	require.Equal(t, "cuda", cfg.Transcription.Device)
	require.Equal(t, "float16", cfg.Transcription.ComputeType)
}

func TestLoadExpandsCacheDir(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[cache]
dir = "~/models"
`)

	cfg, _, _, err := Load(path)
	require.NoError(t, err)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "models"), cfg.Cache.Dir)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown provider",
			content: "[transcription]\nprovider = \"cloud\"\n",
			wantErr: "transcription.provider",
		},
		{
			name:    "negative beam size",
			content: "[transcription]\nbeam_size = -1\n",
			wantErr: "beam_size",
		},
		{
			name:    "temperature out of range",
			content: "[transcription]\ntemperature = 1.5\n",
			wantErr: "temperature",
		},
		{
			name:    "zero cache budget",
			content: "[cache]\nbudget_gb = 0.0\n",
			wantErr: "budget_gb",
		},
		{
			name:    "zero workers",
			content: "[runtime]\nmax_workers = 0\n",
			wantErr: "max_workers",
		},
		{
			name:    "bad log level",
			content: "[logging]\nlevel = \"loud\"\n",
			wantErr: "logging.level",
		},
		{
			name:    "malformed toml",
			content: "[transcription\nprovider = local",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, _, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJobFlattensSections(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Transcription.Model = "medium"
	cfg.Cache.Dir = "/var/cache/sogon"
	cfg.Remote.Endpoint = "https://api.example.com"

	job := cfg.Job()
	require.Equal(t, "local", job.Provider)
	require.Equal(t, "medium", job.Model)
	require.Equal(t, "/var/cache/sogon", job.CacheDir)
	require.InDelta(t, 8.0, job.CacheBudgetGB, 0.001)
	require.Equal(t, 2, job.MaxWorkers)
	require.Equal(t, "https://api.example.com", job.Endpoint)
}

func TestCreateSampleWritesParseableConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, CreateSample(path))

	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "local", cfg.Transcription.Provider)
}
