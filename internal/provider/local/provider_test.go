package local

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/e7217/sogon/internal/device"
	"github.com/e7217/sogon/internal/gate"
	"github.com/e7217/sogon/internal/modelcache"
	"github.com/e7217/sogon/internal/resource"
	"github.com/e7217/sogon/internal/transcription"
)

type fakeProbe struct {
	available bool
	totalGB   float64
	usedGB    float64
}

func (p fakeProbe) Available() bool                 { return p.available }
func (p fakeProbe) MemoryGB() (float64, float64)    { return p.totalGB, p.usedGB }
func (p fakeProbe) Capabilities() map[string]string { return nil }

type fakeEngine struct {
	probeErr error
	result   *transcription.Result
	err      error
	delay    time.Duration

	mu   sync.Mutex
	runs int
}

func (e *fakeEngine) Probe() error { return e.probeErr }

func (e *fakeEngine) Run(ctx context.Context, req EngineRequest) (*transcription.Result, error) {
	e.mu.Lock()
	e.runs++
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

type fakeMonitor struct {
	ok       bool
	snap     resource.Snapshot
	exceeded *resource.Snapshot
}

func (m *fakeMonitor) CheckAvailable(minRAMGB, minAccelGB float64) (bool, resource.Snapshot) {
	return m.ok, m.snap
}

func (m *fakeMonitor) Watch(ctx context.Context, _ time.Duration, onExceeded func(resource.Snapshot)) func() {
	if m.exceeded != nil {
		go func() {
			time.Sleep(5 * time.Millisecond)
			onExceeded(*m.exceeded)
		}()
	}
	return func() {}
}

func cpuOnlySelector() *device.Selector {
	return device.NewSelectorWithProbes(nil, map[string]device.Probe{
		device.CPU: fakeProbe{available: true, totalGB: 32, usedGB: 4},
	})
}

func testManager(t *testing.T) *modelcache.Manager {
	t.Helper()
	m, err := modelcache.NewManager(modelcache.Options{
		CacheDir: t.TempDir(),
		Fetch: func(_ context.Context, _ modelcache.Model, dest string, _ modelcache.ProgressFunc) error {
			return os.WriteFile(dest, []byte("model"), 0o644)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testProvider(t *testing.T, engine Engine, monitor resourceMonitor) *Provider {
	t.Helper()
	p := New(nil, gate.New(2), cpuOnlySelector(), testManager(t), WithEngine(engine))
	if monitor != nil {
		p.monitorFor = func(string) resourceMonitor { return monitor }
	}
	return p
}

func okConfig() transcription.Config {
	return transcription.Config{Provider: "local", Model: "tiny", Device: "cpu", ComputeType: "int8"}
}

func okSnapshot() resource.Snapshot {
	return resource.Snapshot{RAMUsedGB: 4, RAMAvailableGB: 28}
}

func TestTranscribeHappyPath(t *testing.T) {
	t.Parallel()

	want := &transcription.Result{
		Text:     "hello world",
		Segments: []transcription.Segment{{Start: 0, End: 2, Text: "hello world"}},
		Language: "en",
		Duration: 2,
	}
	engine := &fakeEngine{result: want}
	p := testProvider(t, engine, &fakeMonitor{ok: true, snap: okSnapshot()})

	got, err := p.Transcribe(context.Background(), transcription.AudioChunk{Path: "chunk.wav"}, okConfig())
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Zero(t, p.gate.InUse(), "gate slot released on success")
}

func TestTranscribeReleasesGateOnFailure(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: errors.New("inference failed")}
	p := testProvider(t, engine, &fakeMonitor{ok: true, snap: okSnapshot()})

	_, err := p.Transcribe(context.Background(), transcription.AudioChunk{Path: "chunk.wav"}, okConfig())
	require.Error(t, err)
	require.Zero(t, p.gate.InUse(), "gate slot released on failure")
}

func TestTranscribePreflightResourceExhaustion(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: &transcription.Result{}}
	monitor := &fakeMonitor{ok: false, snap: resource.Snapshot{RAMUsedGB: 30, RAMAvailableGB: 1.2}}
	p := testProvider(t, engine, monitor)

	_, err := p.Transcribe(context.Background(), transcription.AudioChunk{Path: "chunk.wav"}, okConfig())
	var exhausted *transcription.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.InDelta(t, 1.2, exhausted.AvailableGB, 0.001)
	require.Zero(t, engine.runs, "no inference after failed pre-flight")
	require.Zero(t, p.gate.InUse())
}

func TestTranscribeMidJobExhaustionAbortsWithoutPartialResult(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: &transcription.Result{Text: "partial"}, delay: 200 * time.Millisecond}
	exceeded := resource.Snapshot{RAMUsedGB: 30.4, RAMAvailableGB: 1.6}
	monitor := &fakeMonitor{ok: true, snap: okSnapshot(), exceeded: &exceeded}
	p := testProvider(t, engine, monitor)

	result, err := p.Transcribe(context.Background(), transcription.AudioChunk{Path: "chunk.wav"}, okConfig())
	var exhausted *transcription.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "RAM", exhausted.Resource)
	require.Nil(t, result, "no partial result after mid-job exhaustion")
	require.Zero(t, p.gate.InUse(), "gate slot released after abort")
}

func TestTranscribeUnavailableDeviceNotSubstituted(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: &transcription.Result{}}
	p := testProvider(t, engine, &fakeMonitor{ok: true, snap: okSnapshot()})

	cfg := okConfig()
	cfg.Device = "cuda"
	cfg.ComputeType = "float16"

	_, err := p.Transcribe(context.Background(), transcription.AudioChunk{Path: "chunk.wav"}, cfg)
	var devErr *transcription.DeviceNotAvailableError
	require.ErrorAs(t, err, &devErr)
	require.Equal(t, "cuda", devErr.Requested)
	require.Zero(t, engine.runs)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	p := testProvider(t, &fakeEngine{}, nil)

	tests := []struct {
		name    string
		mutate  func(*transcription.Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*transcription.Config) {}},
		{name: "missing model", mutate: func(c *transcription.Config) { c.Model = "" }, wantErr: true},
		{name: "unknown model", mutate: func(c *transcription.Config) { c.Model = "colossal" }, wantErr: true},
		{name: "unavailable device", mutate: func(c *transcription.Config) { c.Device = "cuda" }, wantErr: true},
		{name: "incompatible compute type", mutate: func(c *transcription.Config) { c.ComputeType = "float16" }, wantErr: true},
		{name: "auto device ok", mutate: func(c *transcription.Config) { c.Device = ""; c.ComputeType = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := okConfig()
			tt.mutate(&cfg)
			err := p.ValidateConfig(cfg)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGateBoundsConcurrentTranscriptions(t *testing.T) {
	t.Parallel()

	p := testProvider(t, &fakeEngine{}, &fakeMonitor{ok: true, snap: okSnapshot()})

	var (
		mu         sync.Mutex
		inFlight   int
		maxSeen    int
	)
	track := func(delta int) {
		mu.Lock()
		inFlight += delta
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
	}

	p.engine = engineFunc(func(ctx context.Context, req EngineRequest) (*transcription.Result, error) {
		track(1)
		defer track(-1)
		time.Sleep(60 * time.Millisecond)
		return &transcription.Result{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Transcribe(context.Background(), transcription.AudioChunk{Path: "chunk.wav"}, okConfig())
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxSeen, 2, "never more than the gate limit running inference")
}

// engineFunc adapts a function to the Engine interface.
type engineFunc func(ctx context.Context, req EngineRequest) (*transcription.Result, error)

func (f engineFunc) Probe() error { return nil }
func (f engineFunc) Run(ctx context.Context, req EngineRequest) (*transcription.Result, error) {
	return f(ctx, req)
}

func TestProviderAvailabilityFollowsEngineProbe(t *testing.T) {
	t.Parallel()

	p := testProvider(t, &fakeEngine{}, nil)
	require.True(t, p.Available())

	p = testProvider(t, &fakeEngine{probeErr: errors.New("whisper-cli not found")}, nil)
	require.False(t, p.Available())
	require.Equal(t, []string{"whisper-cli"}, p.RequiredDependencies())
}
