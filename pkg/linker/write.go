package linker

import (
	"bytes"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// WriteStats counts what Write did.
type WriteStats struct {
	Written   int
	Unchanged int
}

// Write stores the assets under dir. A file whose content is already on
// disk is left alone; a changed file is replaced by renaming a new file over
// it, never rewritten in place.
func (b *Bundle) Write(fs afero.Fs, dir string) (WriteStats, error) {
	var stats WriteStats
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return stats, err
	}

	for _, a := range b.Assets {
		name := filepath.Join(dir, filepath.FromSlash(a.Filename))
		if existing, err := afero.ReadFile(fs, name); err == nil && bytes.Equal(existing, a.Content) {
			stats.Unchanged++
			continue
		}
		if err := writeFile(fs, name, a.Content); err != nil {
			return stats, err
		}
		log.Debug().Str("file", a.Filename).Int("bytes", len(a.Content)).Msg("linker: wrote")
		stats.Written++
	}
	return stats, nil
}

func writeFile(fs afero.Fs, name string, content []byte) error {
	if err := fs.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := afero.WriteFile(fs, tmp, content, 0644); err != nil {
		return err
	}
	err := fs.Rename(tmp, name)
	if err != nil {
		// Some filesystems refuse to rename over an existing file.
		fs.Remove(name)
		err = fs.Rename(tmp, name)
	}
	if err != nil {
		fs.Remove(tmp)
	}
	return err
}
