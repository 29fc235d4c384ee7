package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, app := newRootCmd()
	var out bytes.Buffer
	app.out = &out
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "sogon v"), "got %q", out)
}

func TestRootRejectsBrokenConfig(t *testing.T) {
	path := writeTestConfig(t, "[transcription]\nprovider = \"cloud\"\n")
	_, err := execute(t, "--config", path, "models", "list")
	require.Error(t, err)
	require.Contains(t, err.Error(), "transcription.provider")
}

func TestTranscribeRejectsUnknownOutputFormat(t *testing.T) {
	path := writeTestConfig(t, "")
	_, err := execute(t, "--config", path, "transcribe", "audio.wav", "--output", "xml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown output format")
}

func TestTranscribeRemoteWithoutEndpointFails(t *testing.T) {
	cacheDir := t.TempDir()
	path := writeTestConfig(t, "[cache]\ndir = \""+cacheDir+"\"\n")
	_, err := execute(t, "--config", path, "transcribe", "audio.wav", "--provider", "remote")
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoint")
}

func TestModelsListEmptyCache(t *testing.T) {
	cacheDir := t.TempDir()
	path := writeTestConfig(t, "[cache]\ndir = \""+strings.ReplaceAll(cacheDir, `\`, `\\`)+"\"\n")

	out, err := execute(t, "--config", path, "models", "list")
	require.NoError(t, err)
	require.Contains(t, out, "no cached models")
}

func TestModelsRemoveUnknownModel(t *testing.T) {
	cacheDir := t.TempDir()
	path := writeTestConfig(t, "[cache]\ndir = \""+strings.ReplaceAll(cacheDir, `\`, `\\`)+"\"\n")
	_, err := execute(t, "--config", path, "models", "remove", "tiny")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not cached")
}

func TestConfigInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	_, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	require.FileExists(t, path)

	// Refuses to clobber without --force.
	_, err = execute(t, "--config", path, "config", "init")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--force")

	_, err = execute(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)
}
