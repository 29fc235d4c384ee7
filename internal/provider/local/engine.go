package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/transcription"
)

// EngineRequest carries everything one whisper-cli invocation needs.
type EngineRequest struct {
	AudioPath   string
	ModelPath   string
	Device      string
	Language    string
	BeamSize    int
	Temperature float64
	VADFilter   bool
}

// Engine runs inference for one audio chunk. The production engine shells
// out to whisper-cli; tests substitute a fake.
type Engine interface {
	// Probe reports whether the engine binary is present and runnable.
	Probe() error
	Run(ctx context.Context, req EngineRequest) (*transcription.Result, error)
}

// WhisperEngine drives the whisper-cli binary with JSON output enabled.
type WhisperEngine struct {
	Executable string
	Logger     *zap.Logger
}

// NewWhisperEngine locates whisper-cli via SOGON_WHISPER_PATH or PATH.
func NewWhisperEngine(logger *zap.Logger) *WhisperEngine {
	if logger == nil {
		logger = zap.NewNop()
	}

	executable := strings.TrimSpace(os.Getenv("SOGON_WHISPER_PATH"))
	if executable == "" {
		if found, err := exec.LookPath(engineBinaryName()); err == nil {
			executable = found
		}
	}

	return &WhisperEngine{Executable: executable, Logger: logger}
}

func (e *WhisperEngine) Probe() error {
	if e.Executable == "" {
		return fmt.Errorf("%s not found in PATH; install whisper.cpp or set SOGON_WHISPER_PATH", engineBinaryName())
	}
	return ensureExecutable(e.Executable)
}

func (e *WhisperEngine) Run(ctx context.Context, req EngineRequest) (*transcription.Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return nil, errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if err := e.Probe(); err != nil {
		return nil, err
	}

	outBase := filepath.Join(os.TempDir(), fmt.Sprintf("sogon-%d", time.Now().UnixNano()))
	jsonOut := outBase + ".json"

	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-oj", "-of", outBase}
	lang := strings.TrimSpace(req.Language)
	if lang != "" && lang != "auto" {
		args = append(args, "-l", lang)
	}
	if req.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(req.BeamSize))
	}
	if req.Temperature > 0 {
		args = append(args, "--temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64))
	}
	if req.VADFilter {
		args = append(args, "--vad")
	}
	if req.Device == "cpu" {
		args = append(args, "-ng")
	}

	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = nil
	cmd.Stderr = &stderr

	e.Logger.Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
	}

	defer os.Remove(jsonOut)
	content, err := os.ReadFile(jsonOut)
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}

	return parseEngineOutput(content)
}

// engineOutput mirrors the whisper-cli -oj document.
type engineOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"transcription"`
}

func parseEngineOutput(content []byte) (*transcription.Result, error) {
	var out engineOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}

	result := &transcription.Result{Language: out.Result.Language}
	var texts []string
	for _, item := range out.Transcription {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		seg := transcription.Segment{
			Start:      float64(item.Offsets.From) / 1000,
			End:        float64(item.Offsets.To) / 1000,
			Text:       text,
			Confidence: confidenceFromLogprob(item.AvgLogprob),
		}
		result.Segments = append(result.Segments, seg)
		texts = append(texts, text)
	}
	result.Text = strings.Join(texts, " ")
	if n := len(result.Segments); n > 0 {
		result.Duration = result.Segments[n-1].End
	}
	return result, nil
}

// confidenceFromLogprob maps an average log probability to [0, 1]. A logprob
// of zero is certainty; positive values are clamped to it.
func confidenceFromLogprob(logprob float64) float64 {
	return math.Exp(math.Min(logprob, 0))
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
