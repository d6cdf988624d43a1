package linker

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const ManifestFilename = "manifest.json"

// Manifest lists the files of every chunk group in load order and the files
// of every chunk.
type Manifest struct {
	Groups map[string][]string `json:"groups"`
	Chunks map[string][]string `json:"chunks"`
}

func newManifest() *Manifest {
	return &Manifest{Groups: map[string][]string{}, Chunks: map[string][]string{}}
}

// ParseManifest decodes manifest.json.
func ParseManifest(data []byte) (*Manifest, error) {
	m := newManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return m, nil
}

func (m *Manifest) asset() (*Asset, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Asset{
		Filename:    ManifestFilename,
		Kind:        ManifestAsset,
		ContentHash: fmt.Sprintf("%016x", xxhash.Sum64(data)),
		Content:     data,
	}, nil
}
