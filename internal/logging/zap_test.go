package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewBuildsLoggerForEveryLevel(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		logger, err := New(Options{Level: level})
		require.NoError(t, err, "level %q", level)
		require.NotNil(t, logger)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, err := parseLevel("")
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, level)

	level, err = parseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)
}
