// Package shimmanifest tracks which package-manager shims moldau has
// installed into a directory on PATH, so `moldau shims remove` doesn't have
// to guess from symlink targets alone.
package shimmanifest

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/pm"
)

// FileName is the manifest's name inside the shim directory.
const FileName = ".moldau-shims.yaml"

// Entry records one installed shim.
type Entry struct {
	Kind        pm.Kind   `yaml:"kind"`
	InstalledAt time.Time `yaml:"installedAt"`
}

// Manifest is the on-disk bookkeeping file, one per shim directory.
type Manifest struct {
	Version int              `yaml:"version"`
	Shims   map[string]Entry `yaml:"shims"`
}

// Path returns the manifest path for a shim directory.
func Path(shimDir string) string {
	return filepath.Join(shimDir, FileName)
}

// Load reads the manifest at shimDir, returning an empty Manifest if none
// exists yet.
func Load(shimDir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(shimDir))
	if os.IsNotExist(err) {
		return &Manifest{Version: 1, Shims: map[string]Entry{}}, nil
	}
	if err != nil {
		return nil, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "reading shim manifest", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "parsing shim manifest", err)
	}
	if m.Shims == nil {
		m.Shims = map[string]Entry{}
	}
	return &m, nil
}

// Save writes m back to shimDir.
func (m *Manifest) Save(shimDir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "encoding shim manifest", err)
	}
	if err := os.MkdirAll(shimDir, 0o755); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating shim directory", err)
	}
	if err := os.WriteFile(Path(shimDir), data, 0o644); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "writing shim manifest", err)
	}
	return nil
}

// Put records name as managed by moldau for kind, overwriting any prior
// entry.
func (m *Manifest) Put(name string, kind pm.Kind, installedAt time.Time) {
	if m.Shims == nil {
		m.Shims = map[string]Entry{}
	}
	m.Shims[name] = Entry{Kind: kind, InstalledAt: installedAt}
}

// Remove deletes name's entry, if present.
func (m *Manifest) Remove(name string) {
	delete(m.Shims, name)
}

// Has reports whether name is a moldau-managed shim.
func (m *Manifest) Has(name string) bool {
	_, ok := m.Shims[name]
	return ok
}
