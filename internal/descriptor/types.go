package descriptor

import (
	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/pm"
)

// OnFail controls what happens when a running invocation's package manager
// does not satisfy the declared constraint.
type OnFail string

// OnFail policies. The default is error.
const (
	OnFailError  OnFail = "error"
	OnFailWarn   OnFail = "warn"
	OnFailIgnore OnFail = "ignore"
)

// SpecKind tags which variant a VersionSpec is.
type SpecKind int

// VersionSpec variants.
const (
	SpecExact SpecKind = iota
	SpecRange
	SpecTag
)

// VersionSpec is the parsed right-hand side of "name@spec".
type VersionSpec struct {
	Kind  SpecKind
	Value string // exact semver, range expression, or tag name
}

// DefaultTag is used when a bare "name" with no "@version" is given.
const DefaultTag = "latest"

// Descriptor is the parsed packageManager / devEngines.packageManager
// declaration from a project's package.json.
type Descriptor struct {
	Kind       pm.Kind
	Spec       VersionSpec
	Pin        *integrity.Pin
	OnFail     OnFail
	sourcePath string // absolute path of the package.json it was read from
}

// SourcePath returns the absolute path of the package.json this descriptor
// was parsed from.
func (d Descriptor) SourcePath() string { return d.sourcePath }
