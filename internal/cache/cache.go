// Package cache implements moldau's content-addressed on-disk cache: the
// <root>/<kind>/<version>/ layout, the marker-plus-lock commit protocol, and
// safe tar extraction.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/moldau-dev/moldau/internal/attest"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/logging"
	"github.com/moldau-dev/moldau/internal/pm"
	"github.com/moldau-dev/moldau/internal/registry"
	"github.com/moldau-dev/moldau/internal/verify"
)

const markerFile = ".moldau-ok"

// Cache is a content-addressed store of extracted package-manager
// releases, rooted under the platform cache directory.
type Cache struct {
	root     string
	attestFn func(context.Context) (*attest.Verifier, error) // optional; nil disables attestation enrichment
}

// WithAttestation enables best-effort provenance-attestation enrichment for
// subsequent installs. newVerifier is invoked lazily, once per cache miss
// whose registry metadata actually carries attestations; building the
// verifier fetches the Sigstore trusted root over TUF, so it must never run
// on a cache hit or for versions published without provenance.
func (c *Cache) WithAttestation(newVerifier func(context.Context) (*attest.Verifier, error)) *Cache {
	c.attestFn = newVerifier
	return c
}

// DefaultRoot resolves the cache root via the platform cache-directory
// rules: `<xdg-cache-home>/moldau`.
func DefaultRoot() (string, error) {
	dir, err := xdg.CacheFile(filepath.Join("moldau", ".keep"))
	if err != nil {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "resolving cache directory", err)
	}
	return filepath.Dir(dir), nil
}

// Open returns a Cache rooted at root, creating it if necessary.
func Open(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating cache root", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating cache tmp directory", err)
	}
	return &Cache{root: root}, nil
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

// EntryPath returns the directory a (kind, version) would live at, whether
// or not it has been installed yet.
func (c *Cache) EntryPath(kind pm.Kind, version string) string {
	return filepath.Join(c.root, string(kind), version)
}

// Has reports whether (kind, version) is already installed. The marker
// file is the only thing that decides this; it is the sole cross-process
// commit point.
func (c *Cache) Has(kind pm.Kind, version string) bool {
	_, err := os.Stat(filepath.Join(c.EntryPath(kind, version), markerFile))
	return err == nil
}

// Fetcher downloads a tarball; satisfied by *registry.Client.
type Fetcher interface {
	FetchTarball(ctx context.Context, url string) ([]byte, error)
}

// InstallRequest carries everything Install needs to populate a cache
// entry on a miss.
type InstallRequest struct {
	Kind         pm.Kind
	Version      string
	PackageName  string // npm registry package name, e.g. "pnpm"
	TarballURL   string
	Shasum       string
	Integrity    string
	Signatures   []registry.Signature
	Attestations interface{} // dist.attestations, passed through for enrichment only
}

// Install populates a cache entry: cache-hit short-circuit, advisory lock,
// fetch, verify, extract to staging, atomic rename, marker.
// It never leaves a half-extracted entry observable: on any error path the
// staging directory is removed and the lock released before returning.
func (c *Cache) Install(ctx context.Context, fetcher Fetcher, req InstallRequest) (string, error) {
	final := c.EntryPath(req.Kind, req.Version)
	if c.Has(req.Kind, req.Version) {
		return final, nil
	}

	lockPath := filepath.Join(c.root, string(req.Kind), req.Version+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating cache kind directory", err)
	}

	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil || !locked {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "acquiring cache lock for "+lockPath, err)
	}
	defer fl.Unlock()

	// Re-check now that we hold the lock: another process may have won
	// the race and already installed this version.
	if c.Has(req.Kind, req.Version) {
		return final, nil
	}

	logging.WithFields(map[string]interface{}{"kind": req.Kind, "version": req.Version}).Info("cache: installing")

	data, err := fetcher.FetchTarball(ctx, req.TarballURL)
	if err != nil {
		return "", err
	}

	if err := verify.Chain(verify.Input{
		Bytes:      data,
		Name:       req.PackageName,
		Version:    req.Version,
		Shasum:     req.Shasum,
		Integrity:  req.Integrity,
		Signatures: req.Signatures,
	}); err != nil {
		return "", err
	}

	if c.attestFn != nil && req.Attestations != nil {
		if verifier, err := c.attestFn(ctx); err != nil {
			logging.Get().Debugf("cache: attestation enrichment unavailable: %v", err)
		} else {
			result := verifier.Verify(ctx, req.Attestations, data)
			switch result.Status {
			case attest.StatusVerified:
				logging.WithFields(map[string]interface{}{"kind": req.Kind, "version": req.Version, "publisher": result.Publisher}).Info("cache: provenance attestation verified")
			case attest.StatusFailed:
				logging.WithFields(map[string]interface{}{"kind": req.Kind, "version": req.Version}).Warnf("cache: provenance attestation present but did not verify: %v", result.Err)
			}
		}
	}

	staging := filepath.Join(c.root, "tmp", uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating staging directory", err)
	}
	defer os.RemoveAll(staging)

	if err := extractTarball(data, staging); err != nil {
		return "", err
	}

	if err := publish(staging, final); err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(final, markerFile), nil, 0o644); err != nil {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "writing cache marker", err)
	}

	return final, nil
}

// publish atomically renames staging into final. If final already exists
// (a lost race despite locking, or leftover corruption), the stale
// directory is swapped aside and removed after the new one is in place,
// so a reader never observes a half-replaced final directory.
func publish(staging, final string) error {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating version directory", err)
	}

	if err := os.Rename(staging, final); err == nil {
		return nil
	}

	if _, statErr := os.Stat(final); statErr != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "renaming staging directory into place", statErr)
	}

	stale := final + ".stale-" + uuid.NewString()
	if err := os.Rename(final, stale); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "moving stale cache entry aside", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "renaming staging directory into place", err)
	}
	_ = os.RemoveAll(stale)
	return nil
}

// Clean removes the entire cache root in one call.
func (c *Cache) Clean() error {
	if err := os.RemoveAll(c.root); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "removing cache root", err)
	}
	return nil
}
