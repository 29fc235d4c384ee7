// Package local implements the transcription provider that runs inference on
// this machine with a cached whisper model.
package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/device"
	"github.com/e7217/sogon/internal/gate"
	"github.com/e7217/sogon/internal/modelcache"
	"github.com/e7217/sogon/internal/resource"
	"github.com/e7217/sogon/internal/transcription"
)

const (
	// maxChunkSeconds keeps individual inference runs bounded so the
	// coordinator can interleave chunks under the admission gate.
	maxChunkSeconds = 600

	watchInterval = 2 * time.Second
)

// Provider composes the model cache, device selector, resource monitor, and
// admission gate behind the shared Provider contract. Dependencies are built
// first and injected; the provider never reaches into globals.
type Provider struct {
	logger           *zap.Logger
	gate             *gate.Gate
	devices          *device.Selector
	models           *modelcache.Manager
	engine           Engine
	downloadProgress modelcache.ProgressFunc

	// monitorFor builds the per-job resource monitor; tests swap it.
	monitorFor func(dev string) resourceMonitor
}

// resourceMonitor is the slice of resource.Monitor the provider uses, split
// out so tests can simulate exhaustion.
type resourceMonitor interface {
	CheckAvailable(minRAMGB, minAccelGB float64) (bool, resource.Snapshot)
	Watch(ctx context.Context, interval time.Duration, onExceeded func(resource.Snapshot)) func()
}

type Option func(*Provider)

// WithEngine substitutes the inference engine, used by tests.
func WithEngine(engine Engine) Option {
	return func(p *Provider) { p.engine = engine }
}

// WithDownloadProgress observes model download percentage.
func WithDownloadProgress(fn modelcache.ProgressFunc) Option {
	return func(p *Provider) { p.downloadProgress = fn }
}

func New(logger *zap.Logger, g *gate.Gate, devices *device.Selector, models *modelcache.Manager, opts ...Option) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{
		logger:  logger,
		gate:    g,
		devices: devices,
		models:  models,
	}
	p.engine = NewWhisperEngine(logger)
	p.monitorFor = func(dev string) resourceMonitor {
		return resource.NewMonitor(logger, devices, dev)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "local" }

func (p *Provider) RequiredDependencies() []string {
	return []string{"whisper-cli"}
}

func (p *Provider) Available() bool {
	return p.engine.Probe() == nil
}

func (p *Provider) MaxChunkSeconds() float64 { return maxChunkSeconds }

// ValidateConfig rejects incomplete local configurations. The model name is
// required; an explicitly requested device must exist, and an explicit
// compute type must be compatible with it.
func (p *Provider) ValidateConfig(cfg transcription.Config) error {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return &transcription.ConfigurationError{Field: "model", Reason: "is required for the local provider"}
	}
	if _, ok := modelcache.LookupModel(model); !ok {
		return &transcription.ConfigurationError{
			Field:  "model",
			Reason: fmt.Sprintf("unknown model %q (known models: %s)", model, strings.Join(modelcache.ModelNames(), ", ")),
		}
	}

	dev := strings.TrimSpace(cfg.Device)
	if dev != "" && dev != "auto" {
		if !p.devices.Validate(dev) {
			return &transcription.DeviceNotAvailableError{
				Requested: dev,
				Available: p.devices.Detected(),
			}
		}
		if cfg.ComputeType != "" {
			if err := device.ValidateComputeType(dev, cfg.ComputeType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Transcribe runs one chunk through the local pipeline: admission gate,
// device resolution, resource pre-flight, model lease, monitored inference.
func (p *Provider) Transcribe(ctx context.Context, chunk transcription.AudioChunk, cfg transcription.Config) (*transcription.Result, error) {
	if err := p.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer p.gate.Release()

	dev, err := p.devices.Resolve(cfg.Device)
	if err != nil {
		return nil, err
	}
	computeType := cfg.ComputeType
	if computeType == "" {
		computeType = device.DefaultComputeType(dev)
	}
	if err := device.ValidateComputeType(dev, computeType); err != nil {
		return nil, err
	}

	model, ok := modelcache.LookupModel(cfg.Model)
	if !ok {
		return nil, &transcription.ConfigurationError{Field: "model", Reason: fmt.Sprintf("unknown model %q", cfg.Model)}
	}

	monitor := p.monitorFor(dev)
	minAccelGB := 0.0
	if dev != device.CPU {
		minAccelGB = model.RAMGB
	}
	if ok, snap := monitor.CheckAvailable(model.RAMGB, minAccelGB); !ok {
		res := "RAM"
		available := snap.RAMAvailableGB
		if minAccelGB > 0 && snap.AccelAvailableGB < minAccelGB {
			res = "accelerator memory"
			available = snap.AccelAvailableGB
		}
		return nil, &transcription.ResourceExhaustedError{
			Resource:    res,
			RequiredGB:  model.RAMGB,
			AvailableGB: available,
			UsedGB:      snap.RAMUsedGB,
		}
	}

	key := modelcache.Key{Model: cfg.Model, Device: dev, ComputeType: computeType}
	lease, err := p.models.Get(ctx, key, p.downloadProgress)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	inferCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		exhausted *resource.Snapshot
	)
	stopWatch := monitor.Watch(inferCtx, watchInterval, func(snap resource.Snapshot) {
		mu.Lock()
		exhausted = &snap
		mu.Unlock()
		cancel()
	})
	defer stopWatch()

	p.logger.Debug("starting local inference",
		zap.String("model", cfg.Model),
		zap.String("device", dev),
		zap.String("compute_type", computeType),
		zap.Int("chunk", chunk.Index))

	result, err := p.engine.Run(inferCtx, EngineRequest{
		AudioPath:   chunk.Path,
		ModelPath:   lease.Path(),
		Device:      dev,
		Language:    cfg.Language,
		BeamSize:    cfg.BeamSize,
		Temperature: cfg.Temperature,
		VADFilter:   cfg.VADFilter,
	})
	stopWatch()

	mu.Lock()
	snap := exhausted
	mu.Unlock()
	if snap != nil {
		// Hard abort: a partial transcript without reliable boundaries
		// would be misleading.
		return nil, exhaustionError(*snap)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func exhaustionError(snap resource.Snapshot) *transcription.ResourceExhaustedError {
	ramFrac := usageFraction(snap.RAMUsedGB, snap.RAMAvailableGB)
	accelFrac := usageFraction(snap.AccelUsedGB, snap.AccelAvailableGB)
	if accelFrac > ramFrac {
		return &transcription.ResourceExhaustedError{
			Resource:    "accelerator memory",
			UsedGB:      snap.AccelUsedGB,
			AvailableGB: snap.AccelAvailableGB,
		}
	}
	return &transcription.ResourceExhaustedError{
		Resource:    "RAM",
		UsedGB:      snap.RAMUsedGB,
		AvailableGB: snap.RAMAvailableGB,
	}
}

func usageFraction(used, available float64) float64 {
	total := used + available
	if total <= 0 {
		return 0
	}
	return used / total
}
