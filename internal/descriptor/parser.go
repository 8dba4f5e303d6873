package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/logging"
	"github.com/moldau-dev/moldau/internal/pm"
)

type packageJSON struct {
	PackageManager *string         `json:"packageManager"`
	DevEngines     *devEngines     `json:"devEngines"`
}

type devEngines struct {
	PackageManager *devEnginesPM `json:"packageManager"`
}

type devEnginesPM struct {
	Name    string  `json:"name"`
	Version *string `json:"version"`
	OnFail  *string `json:"onFail"`
}

// Find walks upward from startDir until a package.json is found or the
// filesystem root is reached, then parses it. strict controls whether a
// name disagreement between packageManager and devEngines.packageManager is
// fatal or just a warning.
func Find(startDir string, strict bool) (Descriptor, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return Descriptor{}, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "resolving start directory", err)
	}

	for {
		candidate := filepath.Join(dir, "package.json")
		if data, err := os.ReadFile(candidate); err == nil {
			return Parse(data, candidate, strict)
		} else if !os.IsNotExist(err) {
			return Descriptor{}, moldauerrors.Wrap(moldauerrors.KindFilesystemError, "reading "+candidate, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Descriptor{}, moldauerrors.New(moldauerrors.KindDescriptorMissing,
				"no package.json found from "+startDir+" up to filesystem root")
		}
		dir = parent
	}
}

// Parse parses the raw contents of a package.json (sourcePath is used only
// for error messages and SourcePath()).
func Parse(data []byte, sourcePath string, strict bool) (Descriptor, error) {
	var pj packageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return Descriptor{}, moldauerrors.Wrap(moldauerrors.KindDescriptorMalformed, "parsing "+sourcePath, err)
	}

	var fromField, fromDevEngines *Descriptor

	if pj.PackageManager != nil {
		d, err := parsePackageManagerString(*pj.PackageManager)
		if err != nil {
			return Descriptor{}, moldauerrors.Wrap(moldauerrors.KindDescriptorMalformed,
				"parsing packageManager field of "+sourcePath, err)
		}
		d.sourcePath = sourcePath
		fromField = &d
	}

	if pj.DevEngines != nil && pj.DevEngines.PackageManager != nil {
		d, err := parseDevEnginesPM(*pj.DevEngines.PackageManager)
		if err != nil {
			return Descriptor{}, moldauerrors.Wrap(moldauerrors.KindDescriptorMalformed,
				"parsing devEngines.packageManager field of "+sourcePath, err)
		}
		d.sourcePath = sourcePath
		fromDevEngines = &d
	}

	switch {
	case fromField == nil && fromDevEngines == nil:
		return Descriptor{}, moldauerrors.New(moldauerrors.KindDescriptorMissing,
			"no packageManager or devEngines.packageManager declared in "+sourcePath)
	case fromField != nil:
		// packageManager takes priority; devEngines.packageManager is only
		// consulted to check for a disagreement between the two sources.
		if fromDevEngines != nil && fromDevEngines.Kind != fromField.Kind {
			if strict {
				return Descriptor{}, moldauerrors.New(moldauerrors.KindMismatch,
					fmt.Sprintf("packageManager (%s) and devEngines.packageManager (%s) disagree in %s",
						fromField.Kind, fromDevEngines.Kind, sourcePath))
			}
			logging.Get().Warnf("packageManager (%s) and devEngines.packageManager (%s) disagree in %s; using packageManager",
				fromField.Kind, fromDevEngines.Kind, sourcePath)
		}
		return *fromField, nil
	default:
		return *fromDevEngines, nil
	}
}

// ParseRequest parses a CLI-supplied "name[@spec][+<algo>.<digest>]"
// request. Unlike the packageManager field, spec may be an exact version, a
// range, or a dist-tag; a bare name with no "@" means the latest tag. Used
// by the use/prefetch/which subcommands, which resolve the request before
// anything exact is written to disk.
func ParseRequest(s string) (Descriptor, error) {
	name, rest, ok := cutLast(s, "@")
	if !ok {
		kind, err := pm.ParseKind(s)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Kind: kind, Spec: VersionSpec{Kind: SpecTag, Value: DefaultTag}, OnFail: OnFailError}, nil
	}

	versionPart, pinPart, hasPin := strings.Cut(rest, "+")

	kind, err := pm.ParseKind(name)
	if err != nil {
		return Descriptor{}, err
	}
	if versionPart == "" {
		return Descriptor{}, fmt.Errorf("request %q has an empty version spec", s)
	}

	spec := VersionSpec{Kind: SpecTag, Value: versionPart}
	if _, err := semver.StrictNewVersion(versionPart); err == nil {
		spec = VersionSpec{Kind: SpecExact, Value: versionPart}
	} else if _, err := semver.NewConstraint(versionPart); err == nil {
		spec = VersionSpec{Kind: SpecRange, Value: versionPart}
	}

	d := Descriptor{Kind: kind, Spec: spec, OnFail: OnFailError}
	if hasPin {
		pin, err := integrity.ParsePin(pinPart)
		if err != nil {
			return Descriptor{}, err
		}
		d.Pin = &pin
	}
	return d, nil
}

// parsePackageManagerString parses "name@version[+<algo>.<digest>]". version
// must be a strict semver, never a range.
func parsePackageManagerString(s string) (Descriptor, error) {
	name, rest, ok := cutLast(s, "@")
	if !ok {
		return Descriptor{}, fmt.Errorf("packageManager value %q must be name@version", s)
	}

	versionPart, pinPart, hasPin := strings.Cut(rest, "+")

	kind, err := pm.ParseKind(name)
	if err != nil {
		return Descriptor{}, err
	}

	if _, err := semver.StrictNewVersion(versionPart); err != nil {
		return Descriptor{}, fmt.Errorf("packageManager version %q is not a strict semver: %w", versionPart, err)
	}

	d := Descriptor{
		Kind:   kind,
		Spec:   VersionSpec{Kind: SpecExact, Value: versionPart},
		OnFail: OnFailError,
	}

	if hasPin {
		pin, err := integrity.ParsePin(pinPart)
		if err != nil {
			return Descriptor{}, err
		}
		d.Pin = &pin
	}

	return d, nil
}

// cutLast cuts s on the last occurrence of sep, since scoped package names
// (never used for the kinds we support, but defensive) or the pin suffix
// could otherwise confuse a naive strings.Cut on the first "@".
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

// parseDevEnginesPM parses the devEngines.packageManager object. version MAY
// be a range.
func parseDevEnginesPM(v devEnginesPM) (Descriptor, error) {
	kind, err := pm.ParseKind(v.Name)
	if err != nil {
		return Descriptor{}, err
	}

	spec := VersionSpec{Kind: SpecTag, Value: DefaultTag}
	if v.Version != nil && *v.Version != "" {
		spec, err = parseVersionSpec(*v.Version)
		if err != nil {
			return Descriptor{}, err
		}
	}

	onFail := OnFailError
	if v.OnFail != nil {
		onFail = OnFail(*v.OnFail)
		switch onFail {
		case OnFailError, OnFailWarn, OnFailIgnore:
		default:
			return Descriptor{}, fmt.Errorf("devEngines.packageManager.onFail %q is not one of error|warn|ignore", *v.OnFail)
		}
	}

	return Descriptor{Kind: kind, Spec: spec, OnFail: onFail}, nil
}

// parseVersionSpec classifies a version string as an exact semver or a
// range; anything that fails strict parsing but succeeds as a
// constraint is a range.
func parseVersionSpec(s string) (VersionSpec, error) {
	if _, err := semver.StrictNewVersion(s); err == nil {
		return VersionSpec{Kind: SpecExact, Value: s}, nil
	}
	if _, err := semver.NewConstraint(s); err == nil {
		return VersionSpec{Kind: SpecRange, Value: s}, nil
	}
	return VersionSpec{}, fmt.Errorf("version %q is neither a valid semver nor a valid range", s)
}
