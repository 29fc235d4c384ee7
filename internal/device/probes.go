package device

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1024 * 1024 * 1024

// cpuProbe reports the universal baseline device. Always available.
type cpuProbe struct{}

func (cpuProbe) Available() bool { return true }

func (cpuProbe) MemoryGB() (float64, float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0
	}
	return float64(vm.Total) / bytesPerGB, float64(vm.Used) / bytesPerGB
}

func (cpuProbe) Capabilities() map[string]string {
	caps := map[string]string{"name": "CPU"}
	if cores, err := cpu.Counts(false); err == nil {
		caps["cores"] = strconv.Itoa(cores)
	}
	if threads, err := cpu.Counts(true); err == nil {
		caps["threads"] = strconv.Itoa(threads)
	}
	return caps
}

// cudaProbe queries the first NVIDIA GPU through nvidia-smi.
type cudaProbe struct{}

func (cudaProbe) query(fields string) ([]string, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu="+fields,
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("nvidia-smi reported no devices")
	}
	parts := strings.Split(lines[0], ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

func (p cudaProbe) Available() bool {
	_, err := p.query("name")
	return err == nil
}

func (p cudaProbe) MemoryGB() (float64, float64) {
	parts, err := p.query("memory.total,memory.used")
	if err != nil || len(parts) < 2 {
		return 0, 0
	}
	totalMiB, _ := strconv.ParseFloat(parts[0], 64)
	usedMiB, _ := strconv.ParseFloat(parts[1], 64)
	return totalMiB / 1024, usedMiB / 1024
}

func (p cudaProbe) Capabilities() map[string]string {
	parts, err := p.query("name,compute_cap,memory.total")
	if err != nil || len(parts) < 3 {
		return nil
	}
	return map[string]string{
		"name":               parts[0],
		"compute_capability": parts[1],
		"memory_mib":         parts[2],
	}
}

// mpsProbe detects Apple Silicon. MPS shares unified memory with the host.
type mpsProbe struct{}

func (mpsProbe) Available() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func (mpsProbe) MemoryGB() (float64, float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0
	}
	return float64(vm.Total) / bytesPerGB, float64(vm.Used) / bytesPerGB
}

func (mpsProbe) Capabilities() map[string]string {
	return map[string]string{
		"name":           "Apple Silicon (MPS)",
		"unified_memory": "true",
	}
}
