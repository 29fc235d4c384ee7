// Package remote implements the transcription provider backed by an
// OpenAI-compatible audio/transcriptions HTTP endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/gate"
	"github.com/e7217/sogon/internal/transcription"
)

const (
	// maxChunkSeconds keeps uploads under the common 25 MB request cap,
	// assuming 16 kHz mono 16-bit PCM (32 KB per second).
	maxChunkSeconds = 780

	defaultModel   = "whisper-1"
	defaultTimeout = 5 * time.Minute

	bodyExcerptLimit = 256
)

// Provider uploads audio chunks to a hosted transcription API. The endpoint
// and credential come from the job configuration, never from built-in
// defaults. Uploads go through the same admission gate as local inference,
// so chunk fan-out stays bounded regardless of backend.
type Provider struct {
	logger *zap.Logger
	gate   *gate.Gate
	client *http.Client
}

type Option func(*Provider)

// WithHTTPClient substitutes the HTTP client, used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.client = client }
}

func New(logger *zap.Logger, g *gate.Gate, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if g == nil {
		g = gate.New(0)
	}
	p := &Provider{
		logger: logger,
		gate:   g,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "remote" }

func (p *Provider) RequiredDependencies() []string {
	return []string{"network access", "API credential"}
}

func (p *Provider) Available() bool { return true }

func (p *Provider) MaxChunkSeconds() float64 { return maxChunkSeconds }

// ValidateConfig requires an endpoint and a resolvable credential reference.
// The credential itself is read from the named environment variable so it
// never lands in config files.
func (p *Provider) ValidateConfig(cfg transcription.Config) error {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return &transcription.ConfigurationError{
			Field:  "endpoint",
			Reason: "is required for the remote provider",
		}
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return &transcription.ConfigurationError{
			Field:  "endpoint",
			Reason: fmt.Sprintf("%q is not an http(s) URL", endpoint),
		}
	}
	keyEnv := strings.TrimSpace(cfg.APIKeyEnv)
	if keyEnv == "" {
		return &transcription.ConfigurationError{
			Field:  "api_key_env",
			Reason: "is required for the remote provider",
		}
	}
	if os.Getenv(keyEnv) == "" {
		return &transcription.ConfigurationError{
			Field:  "api_key_env",
			Reason: fmt.Sprintf("environment variable %s is not set", keyEnv),
		}
	}
	return nil
}

// Transcribe uploads one chunk as multipart form data and maps the
// verbose_json response into the shared result shape.
func (p *Provider) Transcribe(ctx context.Context, chunk transcription.AudioChunk, cfg transcription.Config) (*transcription.Result, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	if err := p.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer p.gate.Release()

	body, contentType, err := buildRequestBody(chunk.Path, cfg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+os.Getenv(cfg.APIKeyEnv))

	p.logger.Debug("uploading chunk to remote endpoint",
		zap.String("endpoint", cfg.Endpoint),
		zap.Int("chunk", chunk.Index))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote transcription request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote endpoint returned %s: %s", resp.Status, bodyExcerpt(payload))
	}

	return parseVerboseJSON(payload)
}

func buildRequestBody(audioPath string, cfg transcription.Config) (*bytes.Buffer, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio chunk: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("copy audio into request: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	fields := map[string]string{
		"model":           model,
		"response_format": "verbose_json",
	}
	if lang := strings.TrimSpace(cfg.Language); lang != "" && lang != "auto" {
		fields["language"] = lang
	}
	if cfg.Temperature > 0 {
		fields["temperature"] = strconv.FormatFloat(cfg.Temperature, 'f', -1, 64)
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// verboseResponse mirrors the verbose_json document of the
// audio/transcriptions API.
type verboseResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func parseVerboseJSON(payload []byte) (*transcription.Result, error) {
	var out verboseResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode remote response: %w", err)
	}

	result := &transcription.Result{
		Language: out.Language,
		Duration: out.Duration,
		Text:     strings.TrimSpace(out.Text),
	}
	var texts []string
	for _, seg := range out.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		result.Segments = append(result.Segments, transcription.Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       text,
			Confidence: math.Exp(math.Min(seg.AvgLogprob, 0)),
		})
		texts = append(texts, text)
	}
	if result.Text == "" {
		result.Text = strings.Join(texts, " ")
	}
	if result.Duration == 0 {
		if n := len(result.Segments); n > 0 {
			result.Duration = result.Segments[n-1].End
		}
	}
	return result, nil
}

func bodyExcerpt(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > bodyExcerptLimit {
		text = text[:bodyExcerptLimit] + "..."
	}
	if text == "" {
		return "(empty body)"
	}
	return text
}
