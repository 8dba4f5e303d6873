// Package dispatch implements moldau's two entry modes: explicit
// subcommands (handled directly by cmd/moldau) and shim mode, where moldau
// is invoked via a symlink named after a package-manager CLI.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/moldau-dev/moldau/internal/cache"
	"github.com/moldau-dev/moldau/internal/config"
	"github.com/moldau-dev/moldau/internal/descriptor"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/logging"
	"github.com/moldau-dev/moldau/internal/pm"
	"github.com/moldau-dev/moldau/internal/registry"
	"github.com/moldau-dev/moldau/internal/resolver"
)

// Dispatcher resolves a shim invocation to a cached binary and execs it.
type Dispatcher struct {
	cfg   config.Config
	cache *cache.Cache
}

// New builds a Dispatcher.
func New(cfg config.Config, c *cache.Cache) *Dispatcher {
	return &Dispatcher{cfg: cfg, cache: c}
}

// Dispatch resolves shimName against the project rooted at cwd, ensures the
// target is cached, and execs it with args, replacing the current process'
// stdio relationship (stdio is inherited; the child's exit code becomes
// ours). It never returns on success; callers should treat any returned
// error as the final outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, shimName, cwd string, args []string) error {
	declaredKind, ok := pm.KindForShim(shimName)
	if !ok {
		return moldauerrors.New(moldauerrors.KindDescriptorMalformed, "unrecognized shim name "+shimName)
	}

	desc, err := descriptor.Find(cwd, d.cfg.StrictMode)
	if err != nil {
		return err
	}

	if desc.Kind != declaredKind {
		// The descriptor's onFail policy (from devEngines.packageManager)
		// takes precedence over strict mode: warn and ignore both suppress
		// the failure and hand the invocation back to PATH.
		switch {
		case desc.OnFail == descriptor.OnFailIgnore:
			logging.Get().Debugf("onFail=ignore: falling through to PATH for %s (project declares %s)", shimName, desc.Kind)
			return d.fallThroughToPath(shimName, args)
		case desc.OnFail == descriptor.OnFailWarn:
			logging.Get().Warnf("shim %q does not match project's declared package manager %s; falling through to PATH", shimName, desc.Kind)
			return d.fallThroughToPath(shimName, args)
		case d.cfg.StrictMode:
			return moldauerrors.New(moldauerrors.KindMismatch,
				fmt.Sprintf("shim %q (%s) does not match project's declared package manager %s", shimName, declaredKind, desc.Kind))
		default:
			logging.Get().Warnf("strict mode disabled: falling through to PATH for %s (project declares %s)", shimName, desc.Kind)
			return d.fallThroughToPath(shimName, args)
		}
	}

	// Exact, unpinned descriptors can be answered from the cache alone:
	// the version is already known, so a hit needs no registry round trip.
	if desc.Spec.Kind == descriptor.SpecExact && desc.Pin == nil {
		kind, err := resolver.ClassifyYarn(desc.Kind, desc.Spec.Value)
		if err != nil {
			return err
		}
		if d.cache.Has(kind, desc.Spec.Value) {
			return d.execCached(ctx, kind, d.cache.EntryPath(kind, desc.Spec.Value), shimName, args)
		}
	}

	client, err := registry.New(d.cfg)
	if err != nil {
		return err
	}
	res, err := resolver.New(client).Resolve(ctx, desc)
	if err != nil {
		return err
	}

	entryDir, err := d.cache.Install(ctx, client, cache.InstallRequest{
		Kind:         res.Kind,
		Version:      res.ExactVersion,
		PackageName:  desc.Kind.RegistryPackageName(),
		TarballURL:   res.TarballURL,
		Shasum:       res.Shasum,
		Integrity:    res.Integrity,
		Signatures:   res.Signatures,
		Attestations: res.Attestations,
	})
	if err != nil {
		return err
	}

	return d.execCached(ctx, res.Kind, entryDir, shimName, args)
}

// execCached execs the entry point of an already-installed (kind, version)
// cache entry for the given shim invocation.
func (d *Dispatcher) execCached(ctx context.Context, kind pm.Kind, entryDir, shimName string, args []string) error {
	execVariant := pm.IsExecBinaryVariant(shimName)
	entry, err := EntryPointFor(kind, entryDir, execVariant)
	if err != nil {
		return err
	}

	// pnpm has no separate "pnpx" binary: its single CLI dispatches exec
	// mode through the "dlx" subcommand, so the shim's own argv needs it
	// prepended. npm ships a genuinely distinct npx-cli.js entry point
	// instead, so npm needs no argv change.
	childArgs := args
	if execVariant && kind == pm.PNPM {
		childArgs = append([]string{"dlx"}, args...)
	}

	return execNode(ctx, entry, childArgs)
}

// EntryPointFor returns the absolute path of the file passed to node for
// kind, resolving Yarn Berry 2.4.1's package.json#bin.yarn indirection and
// the npx/pnpx exec-binary command variant. Callers outside shim-mode
// dispatch (e.g. `moldau which`) reuse this so the resolved path never
// diverges from what Dispatch actually execs.
func EntryPointFor(kind pm.Kind, entryDir string, execVariant bool) (string, error) {
	if kind == pm.YarnBerry {
		return yarnBerryEntryPoint(entryDir)
	}
	if execVariant {
		return filepath.Join(entryDir, kind.ExecEntryPoint()), nil
	}
	return filepath.Join(entryDir, kind.EntryPoint()), nil
}

func yarnBerryEntryPoint(entryDir string) (string, error) {
	pkgJSONPath := filepath.Join(entryDir, "package.json")
	data, err := os.ReadFile(pkgJSONPath)
	if err != nil {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "reading yarn berry package.json", err)
	}
	var pkg struct {
		Bin struct {
			Yarn string `json:"yarn"`
		} `json:"bin"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", moldauerrors.Wrap(moldauerrors.KindFilesystemError, "parsing yarn berry package.json", err)
	}
	if pkg.Bin.Yarn == "" {
		return "", moldauerrors.New(moldauerrors.KindFilesystemError, "yarn berry package.json has no bin.yarn entry")
	}
	return filepath.Join(entryDir, pkg.Bin.Yarn), nil
}

// lookPath and execChild are vars so tests can substitute recorders; the
// real execChild ends in os.Exit, which no test can cross.
var lookPath = exec.LookPath

var execChild = func(cmd *exec.Cmd) error {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return err
	}
	os.Exit(0)
	return nil
}

// execNode locates node on PATH and execs "node <entry> <args...>" with
// inherited stdio; the child's exit code becomes ours.
func execNode(ctx context.Context, entry string, args []string) error {
	node, err := lookPath("node")
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "node not found on PATH", err)
	}

	cmd := exec.CommandContext(ctx, node, append([]string{entry}, args...)...)
	if err := execChild(cmd); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "executing "+entry, err)
	}
	return nil
}

// fallThroughToPath execs the next same-named executable on PATH after
// removing the shim directory from the lookup path for this call.
func (d *Dispatcher) fallThroughToPath(shimName string, args []string) error {
	shimDir := filepath.Dir(selfPath())
	trimmedPath := removeDirFromPath(os.Getenv("PATH"), shimDir)

	path, err := lookupInPath(shimName, trimmedPath)
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "no other "+shimName+" found on PATH", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), "PATH="+trimmedPath)

	if err := execChild(cmd); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "executing fallthrough "+shimName, err)
	}
	return nil
}

func selfPath() string {
	p, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return p
}

func removeDirFromPath(pathVar, dir string) string {
	parts := strings.Split(pathVar, string(os.PathListSeparator))
	kept := parts[:0]
	for _, p := range parts {
		if filepath.Clean(p) != filepath.Clean(dir) {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

// lookupInPath searches the directories in pathVar (not the process
// environment) for an executable named name. exec.LookPath always reads
// os.Getenv("PATH"), which here still includes the shim's own directory, so
// the fallthrough search can't use it directly without re-finding the shim.
func lookupInPath(name, pathVar string) (string, error) {
	for _, dir := range strings.Split(pathVar, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode().Perm()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable file not found in $PATH", name)
}
