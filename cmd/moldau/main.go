// Package main implements the moldau CLI: the explicit subcommands use, up,
// prefetch, clean, shims, which, and completions. Shim-mode dispatch
// (argv[0] == npm/npx/yarn/yarnpkg/pnpm/pnpx) is handled by the root binary
// built from the repository's top-level main.go instead; this binary is
// always invoked by its own name.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/moldau-dev/moldau/internal/attest"
	"github.com/moldau-dev/moldau/internal/cache"
	"github.com/moldau-dev/moldau/internal/config"
	"github.com/moldau-dev/moldau/internal/descriptor"
	"github.com/moldau-dev/moldau/internal/dispatch"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/logging"
	"github.com/moldau-dev/moldau/internal/pm"
	"github.com/moldau-dev/moldau/internal/registry"
	"github.com/moldau-dev/moldau/internal/resolver"
	"github.com/moldau-dev/moldau/internal/shimmanifest"
)

var (
	verbose      bool
	registryFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "moldau",
		Short:         "A version manager for npm, Yarn, and pnpm",
		Long:          "moldau resolves, fetches, verifies, and caches Node.js package-manager releases, and dispatches npm/npx/yarn/yarnpkg/pnpm/pnpx invocations to the cached binaries.",
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.Initialize(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVar(&registryFlag, "registry", "", "override the npm registry base URL")

	root.AddCommand(
		newUseCmd(),
		newUpCmd(),
		newPrefetchCmd(),
		newCleanCmd(),
		newShimsCmd(),
		newWhichCmd(),
		newCompletionsCmd(root),
	)

	if err := root.Execute(); err != nil {
		logging.Get().Error(err)
		os.Exit(moldauerrors.ExitCodeFor(err))
	}
}

func loadConfig() config.Config {
	cfg := config.FromEnv()
	if registryFlag != "" {
		cfg.RegistryURL = registryFlag
	}
	return cfg
}

// openCache opens the default cache root. Attestation enrichment is opt-in
// per command (`prefetch --check-attestations`, `which --verbose`); when
// enabled, the verifier is still built lazily inside the cache, only on a
// miss whose metadata carries attestations.
func openCache(withAttest bool) (*cache.Cache, error) {
	root, err := cache.DefaultRoot()
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(root)
	if err != nil {
		return nil, err
	}
	if withAttest {
		c = c.WithAttestation(attest.NewVerifier)
	}
	return c, nil
}

// resolveAndInstall runs the full pipeline for a descriptor and returns the
// directory the package was extracted into.
func resolveAndInstall(ctx context.Context, desc descriptor.Descriptor, withAttest bool) (*resolver.Resolved, string, error) {
	cfg := loadConfig()
	client, err := registry.New(cfg)
	if err != nil {
		return nil, "", err
	}
	res, err := resolver.New(client).Resolve(ctx, desc)
	if err != nil {
		return nil, "", err
	}

	c, err := openCache(withAttest)
	if err != nil {
		return nil, "", err
	}
	dir, err := c.Install(ctx, client, cache.InstallRequest{
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
		return nil, "", err
	}
	return res, dir, nil
}

func newUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>[@<spec>]",
		Short: "Pin a package manager in the nearest package.json and prefetch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			parsed, err := descriptor.ParseRequest(args[0])
			if err != nil {
				return moldauerrors.Wrap(moldauerrors.KindDescriptorMalformed, "parsing use argument", err)
			}

			pkgPath, raw, err := findNearestPackageJSON(".")
			if err != nil {
				return err
			}

			// Resolve (and cache) before touching package.json, so a tag or
			// range request pins the exact version it resolved to and a
			// failed resolution leaves the file untouched.
			res, _, err := resolveAndInstall(ctx, parsed, false)
			if err != nil {
				return err
			}

			value := string(parsed.Kind) + "@" + res.ExactVersion
			if parsed.Pin != nil {
				value += "+" + parsed.Pin.String()
			}
			if err := writePackageManagerField(pkgPath, raw, value); err != nil {
				return err
			}
			cmd.Printf("pinned %s in %s\n", value, pkgPath)
			return nil
		},
	}
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Re-resolve the project's declared range and update the pin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			desc, err := descriptor.Find(".", loadConfig().StrictMode)
			if err != nil {
				return err
			}

			res, _, err := resolveAndInstall(ctx, desc, false)
			if err != nil {
				return err
			}

			pkgPath, raw, err := findNearestPackageJSON(".")
			if err != nil {
				return err
			}
			pin := string(desc.Kind) + "@" + res.ExactVersion
			if err := writePackageManagerField(pkgPath, raw, pin); err != nil {
				return err
			}
			cmd.Printf("updated pin to %s\n", pin)
			return nil
		},
	}
}

func newPrefetchCmd() *cobra.Command {
	var checkAttestations bool
	cmd := &cobra.Command{
		Use:   "prefetch [name]",
		Short: "Resolve and cache the project's package manager without executing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			desc, err := descriptorForArgs(args)
			if err != nil {
				return err
			}
			res, dir, err := resolveAndInstall(ctx, desc, checkAttestations)
			if err != nil {
				return err
			}
			cmd.Printf("cached %s@%s at %s\n", res.Kind, res.ExactVersion, dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkAttestations, "check-attestations", false, "verify the release's provenance attestation bundle, if it publishes one")
	return cmd
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete the entire cache root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := cache.DefaultRoot()
			if err != nil {
				return err
			}
			c, err := cache.Open(root)
			if err != nil {
				return err
			}
			if err := c.Clean(); err != nil {
				return err
			}
			cmd.Printf("removed %s\n", root)
			return nil
		},
	}
}

func newShimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shims [dir]",
		Short: "Install shim symlinks pointing at the moldau binary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := defaultShimDir()
			if len(args) == 1 {
				dir = args[0]
			}
			return installShims(cmd, dir)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove [dir]",
		Short: "Remove moldau-managed shims from a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := defaultShimDir()
			if len(args) == 1 {
				dir = args[0]
			}
			return removeShims(cmd, dir)
		},
	})
	return cmd
}

func defaultShimDir() string {
	root, err := cache.DefaultRoot()
	if err != nil {
		return filepath.Join(os.TempDir(), "moldau-shims")
	}
	return filepath.Join(root, "shims")
}

func installShims(cmd *cobra.Command, dir string) error {
	self, err := os.Executable()
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "locating moldau executable", err)
	}

	manifest, err := shimmanifest.Load(dir)
	if err != nil {
		return err
	}

	for _, kind := range []pm.Kind{pm.NPM, pm.Yarn, pm.PNPM} {
		for _, name := range kind.ShimNames() {
			link := filepath.Join(dir, name)
			_ = os.Remove(link)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating shim directory", err)
			}
			if err := os.Symlink(self, link); err != nil {
				return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "creating shim "+link, err)
			}
			manifest.Put(name, kind, time.Now())
		}
	}

	if err := manifest.Save(dir); err != nil {
		return err
	}
	cmd.Printf("installed shims in %s\n", dir)
	return nil
}

func removeShims(cmd *cobra.Command, dir string) error {
	manifest, err := shimmanifest.Load(dir)
	if err != nil {
		return err
	}
	for name := range manifest.Shims {
		_ = os.Remove(filepath.Join(dir, name))
		manifest.Remove(name)
	}
	if err := manifest.Save(dir); err != nil {
		return err
	}
	cmd.Printf("removed shims from %s\n", dir)
	return nil
}

func newWhichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "which [name]",
		Short: "Print the absolute path to the resolved entry binary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			desc, err := descriptorForArgs(args)
			if err != nil {
				return err
			}
			// Attestation enrichment only under --verbose; the plain
			// invocation just prints the path.
			res, dir, err := resolveAndInstall(ctx, desc, verbose)
			if err != nil {
				return err
			}
			entry, err := dispatch.EntryPointFor(res.Kind, dir, false)
			if err != nil {
				return err
			}
			cmd.Println(entry)
			return nil
		},
	}
}

func newCompletionsCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completions <shell>",
		Short:     "Print shell completions",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(os.Stdout)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell %q", args[0])
			}
		},
	}
}

// descriptorForArgs resolves a Descriptor either from a bare "name@spec"
// positional argument or, absent one, from the nearest package.json.
func descriptorForArgs(args []string) (descriptor.Descriptor, error) {
	if len(args) == 1 {
		return descriptor.ParseRequest(args[0])
	}
	return descriptor.Find(".", loadConfig().StrictMode)
}

// findNearestPackageJSON walks upward from dir for a package.json and
// returns its path plus raw contents, for in-place field updates.
func findNearestPackageJSON(dir string) (string, []byte, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "resolving directory", err)
	}
	for {
		candidate := filepath.Join(abs, "package.json")
		if data, err := os.ReadFile(candidate); err == nil {
			return candidate, data, nil
		} else if !os.IsNotExist(err) {
			return "", nil, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "reading "+candidate, err)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", nil, moldauerrors.New(moldauerrors.KindDescriptorMissing, "no package.json found from "+dir+" up to filesystem root")
		}
		abs = parent
	}
}

// writePackageManagerField rewrites the top-level "packageManager" field of
// the package.json at path, preserving every other field. Key ordering of
// the original file is not preserved, which is acceptable for a field
// moldau itself manages.
func writePackageManagerField(path string, raw []byte, value string) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindDescriptorMalformed, "parsing "+path, err)
	}
	doc["packageManager"] = value

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "encoding "+path, err)
	}
	out = append(out, '\n')

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return moldauerrors.Wrap(moldauerrors.KindFilesystemError, "writing "+path, err)
	}
	return nil
}
