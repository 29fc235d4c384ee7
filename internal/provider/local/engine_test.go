package local

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEngineOutput(t *testing.T) {
	t.Parallel()

	content := []byte(`{
		"result": {"language": "en"},
		"transcription": [
			{"offsets": {"from": 0, "to": 2500}, "text": " Hello there.", "avg_logprob": -0.25},
			{"offsets": {"from": 2500, "to": 4000}, "text": "", "avg_logprob": -0.9},
			{"offsets": {"from": 4000, "to": 6120}, "text": " General Kenobi.", "avg_logprob": -0.05}
		]
	}`)

	result, err := parseEngineOutput(content)
	require.NoError(t, err)

	require.Equal(t, "en", result.Language)
	require.Len(t, result.Segments, 2, "empty segments are dropped")
	require.Equal(t, "Hello there. General Kenobi.", result.Text)

	first := result.Segments[0]
	require.InDelta(t, 0.0, first.Start, 0.001)
	require.InDelta(t, 2.5, first.End, 0.001)
	require.InDelta(t, math.Exp(-0.25), first.Confidence, 0.001)

	last := result.Segments[1]
	require.InDelta(t, 4.0, last.Start, 0.001)
	require.InDelta(t, 6.12, last.End, 0.001)
	require.InDelta(t, 6.12, result.Duration, 0.001)
}

func TestParseEngineOutputRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	_, err := parseEngineOutput([]byte("not json"))
	require.Error(t, err)
}

func TestParseEngineOutputEmptyTranscription(t *testing.T) {
	t.Parallel()

	result, err := parseEngineOutput([]byte(`{"result": {"language": "ko"}, "transcription": []}`))
	require.NoError(t, err)
	require.Equal(t, "ko", result.Language)
	require.Empty(t, result.Segments)
	require.Empty(t, result.Text)
	require.Zero(t, result.Duration)
}

func TestConfidenceFromLogprob(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, confidenceFromLogprob(0), 0.001, "zero logprob is certainty")
	require.InDelta(t, 1.0, confidenceFromLogprob(0.1), 0.001, "positive logprob clamps to certainty")
	require.InDelta(t, 1.0, confidenceFromLogprob(-1e-9), 0.001)
	require.Less(t, confidenceFromLogprob(-2.0), confidenceFromLogprob(-0.5))
}
