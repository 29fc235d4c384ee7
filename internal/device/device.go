// Package device detects and validates compute devices for local inference.
package device

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/transcription"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	MPS  = "mps"
)

// fallbackOrder is the documented automatic selection order. An explicitly
// requested device that fails validation is an error, never substituted.
var fallbackOrder = []string{CUDA, MPS, CPU}

// computeTypes is the device/precision compatibility matrix.
var computeTypes = map[string][]string{
	CPU:  {"int8", "int16"},
	CUDA: {"int8", "float16", "float32"},
	MPS:  {"float16", "float32"},
}

// Probe answers availability and memory questions for one device class
// without side effects. Probes are injectable so tests can fake hardware.
type Probe interface {
	Available() bool
	// MemoryGB returns total and used memory for the device class.
	MemoryGB() (totalGB, usedGB float64)
	Capabilities() map[string]string
}

type Selector struct {
	logger *zap.Logger
	probes map[string]Probe
}

func NewSelector(logger *zap.Logger) *Selector {
	return NewSelectorWithProbes(logger, map[string]Probe{
		CPU:  cpuProbe{},
		CUDA: cudaProbe{},
		MPS:  mpsProbe{},
	})
}

func NewSelectorWithProbes(logger *zap.Logger, probes map[string]Probe) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{logger: logger, probes: probes}
}

// Resolve returns the preferred device when it validates, or walks the
// documented fallback order when no preference is given. An explicit
// preference that is unavailable fails with DeviceNotAvailableError.
func (s *Selector) Resolve(preferred string) (string, error) {
	preferred = strings.ToLower(strings.TrimSpace(preferred))

	if preferred != "" && preferred != "auto" {
		if !s.Validate(preferred) {
			return "", &transcription.DeviceNotAvailableError{
				Requested: preferred,
				Available: s.Detected(),
			}
		}
		return preferred, nil
	}

	for _, candidate := range fallbackOrder {
		if s.Validate(candidate) {
			s.logger.Debug("auto-selected device", zap.String("device", candidate))
			return candidate, nil
		}
	}

	return "", &transcription.DeviceNotAvailableError{Requested: "auto", Available: nil}
}

// Validate probes one device class. It has no side effects.
func (s *Selector) Validate(device string) bool {
	probe, ok := s.probes[strings.ToLower(device)]
	return ok && probe.Available()
}

// Detected lists every device class that validates, in fallback order.
func (s *Selector) Detected() []string {
	var detected []string
	for _, d := range fallbackOrder {
		if s.Validate(d) {
			detected = append(detected, d)
		}
	}
	return detected
}

// MemoryGB reports free memory for the device class, used by pre-flight
// checks and the resource monitor.
func (s *Selector) MemoryGB(device string) float64 {
	total, used := s.MemoryUsageGB(device)
	if total <= used {
		return 0
	}
	return total - used
}

// MemoryUsageGB reports total and used memory for the device class. Unknown
// or unavailable devices report zero.
func (s *Selector) MemoryUsageGB(device string) (totalGB, usedGB float64) {
	probe, ok := s.probes[strings.ToLower(device)]
	if !ok || !probe.Available() {
		return 0, 0
	}
	return probe.MemoryGB()
}

// Capabilities returns descriptive device info for diagnostics only.
func (s *Selector) Capabilities(device string) map[string]string {
	probe, ok := s.probes[strings.ToLower(device)]
	if !ok || !probe.Available() {
		return nil
	}
	return probe.Capabilities()
}

// ValidateComputeType enforces the device/precision compatibility matrix.
func ValidateComputeType(device, computeType string) error {
	valid, ok := computeTypes[strings.ToLower(device)]
	if !ok {
		return &transcription.ConfigurationError{
			Field:  "device",
			Reason: fmt.Sprintf("unknown device %q", device),
		}
	}
	for _, t := range valid {
		if t == strings.ToLower(computeType) {
			return nil
		}
	}
	sorted := append([]string(nil), valid...)
	sort.Strings(sorted)
	return &transcription.ConfigurationError{
		Field:  "compute_type",
		Reason: fmt.Sprintf("%q is not supported on %s (supported: %s)", computeType, device, strings.Join(sorted, ", ")),
	}
}

// DefaultComputeType picks the precision used when the configuration leaves
// it empty: fast int8 on cpu, float16 on accelerators.
func DefaultComputeType(device string) string {
	switch strings.ToLower(device) {
	case CUDA, MPS:
		return "float16"
	default:
		return "int8"
	}
}
