// Package pm defines the package-manager kinds moldau understands and the
// shim names and entry points associated with each.
package pm

import "fmt"

// Kind identifies a package manager family.
type Kind string

// The four kinds moldau resolves and dispatches to.
const (
	NPM         Kind = "npm"
	Yarn        Kind = "yarn"       // classic, major == 1
	YarnBerry   Kind = "yarn-berry" // major >= 2
	PNPM        Kind = "pnpm"
	UnknownKind Kind = ""
)

// npmName is the registry package name backing each kind.
var npmName = map[Kind]string{
	NPM:       "npm",
	Yarn:      "yarn",
	YarnBerry: "yarn",
	PNPM:      "pnpm",
}

// RegistryPackageName returns the npm registry package name a kind resolves
// against. Yarn and YarnBerry share one registry package; the major version
// of the resolved release decides which Kind it actually is.
func (k Kind) RegistryPackageName() string { return npmName[k] }

// shimNames lists the executable names each kind answers to.
var shimNames = map[Kind][]string{
	NPM:       {"npm", "npx"},
	Yarn:      {"yarn", "yarnpkg"},
	YarnBerry: {"yarn", "yarnpkg"},
	PNPM:      {"pnpm", "pnpx"},
}

// ShimNames returns the shim executable names that dispatch to this kind.
func (k Kind) ShimNames() []string { return shimNames[k] }

// KindForShim maps a shim's invocation name to the kind that declares it,
// independent of which Yarn generation is ultimately resolved (that
// disambiguation happens after resolving an exact version, see
// resolver.ClassifyYarn).
func KindForShim(shimName string) (Kind, bool) {
	switch shimName {
	case "npm", "npx":
		return NPM, true
	case "yarn", "yarnpkg":
		return Yarn, true
	case "pnpm", "pnpx":
		return PNPM, true
	default:
		return UnknownKind, false
	}
}

// ParseKind parses a descriptor's declared package manager name.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "npm":
		return NPM, nil
	case "yarn":
		return Yarn, nil
	case "pnpm":
		return PNPM, nil
	default:
		return UnknownKind, fmt.Errorf("unknown package manager %q", name)
	}
}

// EntryPoint returns the path, relative to the extracted package root, of
// the file passed to the Node.js runtime to start the CLI. For YarnBerry
// specifically this is resolved from package.json#bin.yarn by the caller;
// this function returns the conventional default used for every other
// kind.
func (k Kind) EntryPoint() string {
	switch k {
	case NPM:
		return "bin/npm-cli.js"
	case Yarn:
		return "bin/yarn.js"
	case YarnBerry:
		return "bin/yarn.js" // dispatch.EntryPointFor reads package.json#bin.yarn instead at exec time
	case PNPM:
		return "bin/pnpm.cjs"
	default:
		return ""
	}
}

// IsExecBinaryVariant reports whether a shim name flips its kind's default
// command into "exec a binary from node_modules/.bin" mode (npx, pnpx).
func IsExecBinaryVariant(shimName string) bool {
	return shimName == "npx" || shimName == "pnpx"
}

// ExecEntryPoint returns the entry point used when a kind is invoked in its
// exec-binary command variant (the mode IsExecBinaryVariant flips into).
// npm ships npx as a distinct CLI script; pnpm handles `pnpx` through its
// own single CLI (the caller is responsible for prepending the "dlx"
// subcommand to argv, which the dispatch package does when it execs the
// entry point). Yarn has no exec-binary
// shim name, so it falls back to EntryPoint.
func (k Kind) ExecEntryPoint() string {
	switch k {
	case NPM:
		return "bin/npx-cli.js"
	case PNPM:
		return "bin/pnpm.cjs"
	default:
		return k.EntryPoint()
	}
}
