// Package modelcache owns the lifecycle of local inference models: download,
// integrity validation, on-disk caching, and LRU eviction under a byte budget.
package modelcache

import (
	"fmt"
	"sort"
	"strings"
)

const DefaultModel = "small"

// Model describes one downloadable whisper artifact. SizeBytes is the
// download footprint used for the disk-space pre-check; RAMGB is the
// in-memory footprint used for resource pre-flight.
type Model struct {
	Name     string
	FileName string
	URL      string
	SHA256   string

	SizeBytes int64
	RAMGB     float64
}

var registry = map[string]Model{
	"tiny": {
		Name:      "tiny",
		FileName:  "ggml-tiny.bin",
		URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		SHA256:    "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
		SizeBytes: 80 * 1024 * 1024,
		RAMGB:     0.5,
	},
	"base": {
		Name:      "base",
		FileName:  "ggml-base.bin",
		URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		SHA256:    "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
		SizeBytes: 148 * 1024 * 1024,
		RAMGB:     0.7,
	},
	"small": {
		Name:      "small",
		FileName:  "ggml-small.bin",
		URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		SHA256:    "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
		SizeBytes: 488 * 1024 * 1024,
		RAMGB:     1.2,
	},
	"medium": {
		Name:      "medium",
		FileName:  "ggml-medium.bin",
		URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-medium.bin",
		SHA256:    "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
		SizeBytes: 1533 * 1024 * 1024,
		RAMGB:     2.6,
	},
	"large-v3": {
		Name:      "large-v3",
		FileName:  "ggml-large-v3.bin",
		URL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-large-v3.bin",
		SHA256:    "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
		SizeBytes: 3095 * 1024 * 1024,
		RAMGB:     4.7,
	},
}

func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(name string) (Model, bool) {
	model, ok := registry[name]
	return model, ok
}

// Key identifies one cache entry. The same model loaded for a different
// device or precision is cached separately.
type Key struct {
	Model       string
	Device      string
	ComputeType string
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s", k.Model, k.Device, k.ComputeType)
}

// DirName is the per-entry subdirectory under the cache root.
func (k Key) DirName() string {
	return strings.ToLower(k.String())
}
