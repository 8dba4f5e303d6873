package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/pm"
)

type fakeFetcher struct {
	data []byte
	err  error
	n    int
}

func (f *fakeFetcher) FetchTarball(ctx context.Context, url string) ([]byte, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func fakeTarball(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	body := []byte("module.exports = 1;")
	hdr := &tar.Header{Name: "package/index.js", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func TestInstallEndToEnd(t *testing.T) {
	data := fakeTarball(t)
	sha1 := integrity.SHA1WithCollisionDetection(data)
	sri := integrity.SRI{Algo: integrity.AlgoSHA256, Digest: integrity.SHA256(data)}

	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fetcher := &fakeFetcher{data: data}

	dir, err := c.Install(context.Background(), fetcher, InstallRequest{
		Kind:        pm.PNPM,
		Version:     "9.1.0",
		PackageName: "pnpm",
		TarballURL:  "https://example/pnpm-9.1.0.tgz",
		Shasum:      integrity.Hex(sha1.Digest[:]),
		Integrity:   sri.String(),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.js")); err != nil {
		t.Errorf("index.js not extracted into %s: %v", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, markerFile)); err != nil {
		t.Errorf("marker file missing: %v", err)
	}
	if !c.Has(pm.PNPM, "9.1.0") {
		t.Error("Has() = false after successful Install")
	}
}

func TestInstallShortCircuitsOnCacheHit(t *testing.T) {
	data := fakeTarball(t)
	sha1 := integrity.SHA1WithCollisionDetection(data)
	sri := integrity.SRI{Algo: integrity.AlgoSHA256, Digest: integrity.SHA256(data)}

	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fetcher := &fakeFetcher{data: data}
	req := InstallRequest{
		Kind: pm.PNPM, Version: "9.1.0", PackageName: "pnpm",
		TarballURL: "https://example/pnpm-9.1.0.tgz",
		Shasum:     integrity.Hex(sha1.Digest[:]), Integrity: sri.String(),
	}

	if _, err := c.Install(context.Background(), fetcher, req); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	if _, err := c.Install(context.Background(), fetcher, req); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if fetcher.n != 1 {
		t.Errorf("fetcher called %d times, want 1 (second Install should short-circuit)", fetcher.n)
	}
}

func TestInstallFailsVerificationLeavesNoEntry(t *testing.T) {
	data := fakeTarball(t)

	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fetcher := &fakeFetcher{data: data}

	_, err = c.Install(context.Background(), fetcher, InstallRequest{
		Kind: pm.PNPM, Version: "9.1.0", PackageName: "pnpm",
		TarballURL: "https://example/pnpm-9.1.0.tgz",
		Shasum:     "0000000000000000000000000000000000000a",
	})
	if err == nil {
		t.Fatal("expected verification failure, got nil")
	}
	if c.Has(pm.PNPM, "9.1.0") {
		t.Error("Has() = true after failed install; a rejected tarball must never be cached")
	}
	if _, statErr := os.Stat(c.EntryPath(pm.PNPM, "9.1.0")); statErr == nil {
		t.Error("entry directory exists on disk after failed install")
	}
}

func TestInstallPropagatesFetchError(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	wantErr := errors.New("network down")
	fetcher := &fakeFetcher{err: wantErr}

	_, err = c.Install(context.Background(), fetcher, InstallRequest{
		Kind: pm.PNPM, Version: "9.1.0", PackageName: "pnpm",
		TarballURL: "https://example/pnpm-9.1.0.tgz",
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Install error = %v, want wrapping %v", err, wantErr)
	}
}

func TestClean(t *testing.T) {
	root := t.TempDir()
	c, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "pnpm", "9.1.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := c.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("cache root still exists after Clean: %v", err)
	}
}

func TestEntryPathAndHas(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Has(pm.NPM, "10.2.4") {
		t.Error("Has() = true for never-installed version")
	}
	want := filepath.Join(c.Root(), "npm", "10.2.4")
	if got := c.EntryPath(pm.NPM, "10.2.4"); got != want {
		t.Errorf("EntryPath() = %s, want %s", got, want)
	}
}
