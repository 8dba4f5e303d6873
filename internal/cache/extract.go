package cache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
)

// epoch is the fixed mtime every extracted entry is stamped with;
// owner/timestamp metadata from the tar header is never trusted.
var epoch = time.Unix(0, 0)

// extractTarball extracts a gzipped npm tarball into dir, filtering every
// entry: path-traversal and symlink-escape rejection, "package/" prefix
// stripping, executable-bit preservation. Tarball contents are untrusted
// input, so each entry is checked individually rather than handed to an
// extract-everything call.
func extractTarball(data []byte, dir string) error {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindTarUnsafeEntry, "opening tarball gzip stream", err)
	}
	defer gzr.Close()

	root := filepath.Clean(dir)
	tr := tar.NewReader(gzr)
	madeDir := map[string]bool{}

	for {
		header, err := tr.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return moldauerrors.Wrap(moldauerrors.KindTarUnsafeEntry, "reading tar entry", err)
		case header == nil:
			continue
		}

		name, ok := stripPackagePrefix(header.Name)
		if !ok {
			return moldauerrors.New(moldauerrors.KindTarUnsafeEntry, "entry "+header.Name+" is not under the package/ prefix")
		}
		if name == "" {
			continue // the package/ directory entry itself
		}

		target, err := safeJoin(root, name)
		if err != nil {
			return moldauerrors.Wrap(moldauerrors.KindTarUnsafeEntry, "entry "+header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := mkdirAllTracked(target, madeDir); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating directory "+target, err)
			}
		case tar.TypeReg:
			if err := mkdirAllTracked(filepath.Dir(target), madeDir); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating directory for "+target, err)
			}
			if err := writeRegularFile(target, tr, header); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "writing "+target, err)
			}
		case tar.TypeSymlink:
			// Resolve and bounds-check the link target before creating it;
			// the symlink itself is still stored relative (header.Linkname).
			if _, err := safeJoin(filepath.Dir(target), header.Linkname); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindTarUnsafeEntry, "symlink "+header.Name+" -> "+header.Linkname, err)
			}
			if err := mkdirAllTracked(filepath.Dir(target), madeDir); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating directory for "+target, err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating symlink "+target, err)
			}
		case tar.TypeLink:
			linkName, ok := stripPackagePrefix(header.Linkname)
			if !ok {
				return moldauerrors.New(moldauerrors.KindTarUnsafeEntry, "hardlink "+header.Name+" -> "+header.Linkname+" is not under the package/ prefix")
			}
			linkTo, err := safeJoin(root, linkName)
			if err != nil {
				return moldauerrors.Wrap(moldauerrors.KindTarUnsafeEntry, "hardlink "+header.Name+" -> "+header.Linkname, err)
			}
			if err := mkdirAllTracked(filepath.Dir(target), madeDir); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating directory for "+target, err)
			}
			if err := os.Link(linkTo, target); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating hardlink "+target, err)
			}
		default:
			// Anything else (devices, FIFOs, ...) has no business in an
			// npm tarball; skip it rather than fail the whole install.
			continue
		}

		if err := os.Chtimes(target, epoch, epoch); err != nil && !os.IsNotExist(err) {
			return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "setting mtime on "+target, err)
		}
	}
}

// stripPackagePrefix removes the leading "package/" npm tar convention
// component. The package/ directory entry itself strips to "" with ok
// true (the caller skips it, nothing to extract); an entry that isn't
// under "package/" at all (an absolute path, or a bare traversal name
// with no prefix) is suspicious and reported via ok=false
// so the caller can fail extraction instead of silently dropping it.
func stripPackagePrefix(name string) (string, bool) {
	name = filepath.ToSlash(name)
	name = strings.TrimPrefix(name, "./")
	const prefix = "package/"
	if name == "package" {
		return "", true
	}
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

// safeJoin joins base and rel the way filepath.Join would, but rejects any
// result that escapes base: absolute paths, "..", or (for symlink
// targets) a resolved target outside base.
func safeJoin(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q", rel)
	}
	joined := filepath.Join(base, rel)
	baseClean := filepath.Clean(base)
	if joined != baseClean && !strings.HasPrefix(joined, baseClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes extraction root", rel)
	}
	return joined, nil
}

func mkdirAllTracked(dir string, made map[string]bool) error {
	if made[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	made[dir] = true
	return nil
}

// writeRegularFile writes a tar entry's contents to target, preserving the
// executable bit: any of user/group/other execute in the tar header
// becomes user+group+other execute on disk, masked by umask (the mode
// passed to OpenFile is masked by the process umask automatically).
func writeRegularFile(target string, r io.Reader, header *tar.Header) error {
	mode := os.FileMode(header.Mode).Perm()
	if mode&0o111 != 0 {
		mode |= 0o111
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
