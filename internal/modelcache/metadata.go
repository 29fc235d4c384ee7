package modelcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const metadataFileName = "metadata.json"

// metadataRecord sits next to each cached artifact and lets the in-memory
// index be rebuilt after a restart.
type metadataRecord struct {
	Model        string    `json:"model"`
	Device       string    `json:"device"`
	ComputeType  string    `json:"compute_type"`
	FileName     string    `json:"file_name"`
	SizeBytes    int64     `json:"size_bytes"`
	SHA256       string    `json:"sha256"`
	DownloadedAt time.Time `json:"downloaded_at"`
	LastAccess   time.Time `json:"last_access"`
}

func (r metadataRecord) key() Key {
	return Key{Model: r.Model, Device: r.Device, ComputeType: r.ComputeType}
}

func writeMetadata(dir string, rec metadataRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	path := filepath.Join(dir, metadataFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("move metadata into place: %w", err)
	}
	return nil
}

func readMetadata(dir string) (metadataRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return metadataRecord{}, err
	}

	var rec metadataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return metadataRecord{}, fmt.Errorf("decode metadata: %w", err)
	}
	return rec, nil
}
