// Package main is moldau's shim entry point: the binary installed under six
// names (npm, npx, yarn, yarnpkg, pnpm, pnpx) by `moldau shims`. It never
// parses flags itself: it inspects its own invocation name and defers
// everything else to the dispatcher.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/moldau-dev/moldau/internal/cache"
	"github.com/moldau-dev/moldau/internal/config"
	"github.com/moldau-dev/moldau/internal/dispatch"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/logging"
)

func main() {
	logging.Initialize(os.Getenv("MOLDAU_VERBOSE") != "")

	shimName := filepath.Base(os.Args[0])
	ctx := context.Background()

	cfg := config.FromEnv()

	// No attestation enrichment here: shim invocations are the hot path,
	// and a warm cache hit must reach exec without any network I/O.
	// Enrichment is surfaced through `moldau prefetch --check-attestations`
	// and `moldau which --verbose` instead.
	root, err := cache.DefaultRoot()
	if err != nil {
		fail(err)
	}
	c, err := cache.Open(root)
	if err != nil {
		fail(err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fail(moldauerrors.Wrap(moldauerrors.KindFilesystemError, "getting working directory", err))
	}

	d := dispatch.New(cfg, c)
	if err := d.Dispatch(ctx, shimName, cwd, os.Args[1:]); err != nil {
		fail(err)
	}
}

// fail logs err and exits with the code its Kind maps to. Dispatch itself
// os.Exit()s directly on a successfully-execed child; fail is only reached
// for errors that occur before a child process ever starts.
func fail(err error) {
	logging.Get().Error(err)
	os.Exit(moldauerrors.ExitCodeFor(err))
}
