package volume

import (
	"encoding/json"
	"fmt"
	"time"
)

const manifestEntry = "manifest"

// ManifestVersion is the current archive layout version.
const ManifestVersion = 1

// Manifest describes the parameters a volume was written with.
type Manifest struct {
	Version   int    `json:"version"`
	Created   string `json:"created"`
	Encoding  string `json:"encoding"`
	Blocksize int64  `json:"blocksize"`
	BlockHash string `json:"block-hash"`
	FileHash  string `json:"file-hash"`
}

// NewManifest creates a manifest for volumes written now.
func NewManifest(now time.Time, blocksize int64, blockHash, fileHash string) Manifest {
	return Manifest{
		Version:   ManifestVersion,
		Created:   now.UTC().Format(TimeFormat),
		Encoding:  "utf8",
		Blocksize: blocksize,
		BlockHash: blockHash,
		FileHash:  fileHash,
	}
}

func (m Manifest) marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Version > ManifestVersion {
		return Manifest{}, fmt.Errorf("manifest version %d is newer than supported version %d", m.Version, ManifestVersion)
	}
	return m, nil
}
