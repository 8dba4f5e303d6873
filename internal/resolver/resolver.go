// Package resolver turns a (kind, VersionSpec, optional integrity pin) into
// a concrete version and tarball descriptor.
package resolver

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/moldau-dev/moldau/internal/descriptor"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/pm"
	"github.com/moldau-dev/moldau/internal/registry"
)

// Resolved is the resolver's output: a concrete version plus the tarball
// metadata needed to fetch and verify it.
type Resolved struct {
	Kind         pm.Kind
	ExactVersion string
	TarballURL   string
	Shasum       string
	Integrity    string
	Signatures   []registry.Signature
	Attestations interface{}
}

// berry2Exception is the single Yarn Berry 2.x version moldau supports; its
// release artifact is the only 2.x one laid out the way the extractor
// expects.
const berry2Exception = "2.4.1"

// Resolver resolves descriptors against a registry client.
type Resolver struct {
	client *registry.Client
}

// New builds a Resolver over the given registry client.
func New(client *registry.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve turns a descriptor into a concrete version plus tarball metadata:
// exact versions are fetched directly, tags are looked up in dist-tags, and
// ranges are matched against the full version list.
func (r *Resolver) Resolve(ctx context.Context, d descriptor.Descriptor) (*Resolved, error) {
	packageName := d.Kind.RegistryPackageName()

	var meta *registry.VersionMeta
	var err error

	switch d.Spec.Kind {
	case descriptor.SpecExact:
		meta, err = r.client.GetVersion(ctx, packageName, d.Spec.Value)
	case descriptor.SpecTag:
		meta, err = r.resolveTag(ctx, packageName, d.Spec.Value)
	case descriptor.SpecRange:
		meta, err = r.resolveRange(ctx, packageName, d.Spec.Value)
	default:
		return nil, fmt.Errorf("resolver: unknown version spec kind %d", d.Spec.Kind)
	}
	if err != nil {
		return nil, err
	}

	kind, err := ClassifyYarn(d.Kind, meta.Version)
	if err != nil {
		return nil, err
	}

	if d.Pin != nil {
		if err := verifyPin(*d.Pin, meta); err != nil {
			return nil, err
		}
	}

	return &Resolved{
		Kind:         kind,
		ExactVersion: meta.Version,
		TarballURL:   meta.Dist.Tarball,
		Shasum:       meta.Dist.Shasum,
		Integrity:    meta.Dist.Integrity,
		Signatures:   meta.Dist.Signatures,
		Attestations: meta.Dist.Attestations,
	}, nil
}

func (r *Resolver) resolveTag(ctx context.Context, packageName, tag string) (*registry.VersionMeta, error) {
	pkg, err := r.client.GetPackage(ctx, packageName)
	if err != nil {
		return nil, err
	}
	exact, ok := pkg.DistTags[tag]
	if !ok {
		return nil, moldauerrors.New(moldauerrors.KindTagUnknown, fmt.Sprintf("tag %q not found for %s", tag, packageName))
	}
	return r.client.GetVersion(ctx, packageName, exact)
}

func (r *Resolver) resolveRange(ctx context.Context, packageName, rangeExpr string) (*registry.VersionMeta, error) {
	pkg, err := r.client.GetPackage(ctx, packageName)
	if err != nil {
		return nil, err
	}

	constraint, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid range %q: %w", rangeExpr, err)
	}
	allowPrerelease := constraintHasPrerelease(rangeExpr)

	var best *semver.Version
	var bestRaw string
	for raw := range pkg.Versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue // registry data occasionally carries non-semver versions; skip them
		}
		if v.Prerelease() != "" && !allowPrerelease {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = raw
		}
	}
	if best == nil {
		return nil, moldauerrors.New(moldauerrors.KindNoMatchingVersion,
			fmt.Sprintf("no version of %s satisfies %q", packageName, rangeExpr))
	}
	return r.client.GetVersion(ctx, packageName, bestRaw)
}

// constraintHasPrerelease reports whether the range expression itself pins
// down to a prerelease comparator (e.g. "^1.2.3-beta.0"), in which case
// prereleases on the matching major.minor.patch are eligible.
func constraintHasPrerelease(rangeExpr string) bool {
	v, err := semver.NewVersion(rangeExpr)
	if err == nil {
		return v.Prerelease() != ""
	}
	// Range expressions with operators (^, ~, >=, ...) aren't parseable as
	// a bare version; fall back to a light heuristic.
	for i := 0; i < len(rangeExpr); i++ {
		if rangeExpr[i] == '-' {
			return true
		}
	}
	return false
}

// ClassifyYarn determines the final Kind for a resolved Yarn version and
// enforces the Berry 2.x single-version exception. It needs no registry
// access, since the exact version string alone decides the generation, so
// callers holding an exact version can classify before (or without)
// resolving.
func ClassifyYarn(declared pm.Kind, exactVersion string) (pm.Kind, error) {
	if declared != pm.Yarn && declared != pm.YarnBerry {
		return declared, nil
	}
	v, err := semver.NewVersion(exactVersion)
	if err != nil {
		return "", fmt.Errorf("resolver: resolved yarn version %q is not semver: %w", exactVersion, err)
	}
	if v.Major() == 1 {
		return pm.Yarn, nil
	}
	if v.Major() == 2 && exactVersion != berry2Exception {
		return "", moldauerrors.New(moldauerrors.KindUnsupportedBerry2x,
			fmt.Sprintf("yarn %s is a 2.x release other than %s, which is not supported", exactVersion, berry2Exception))
	}
	return pm.YarnBerry, nil
}

// verifyPin checks a descriptor's integrity pin against the resolved
// registry metadata. It never downloads the tarball: the comparison is
// against registry-published hashes only, so a mismatched pin fails before
// any bytes are fetched.
func verifyPin(pin integrity.Pin, meta *registry.VersionMeta) error {
	switch pin.Algo {
	case integrity.AlgoSHA1:
		ok, err := pin.MatchesShasum(meta.Dist.Shasum)
		if err != nil {
			return fmt.Errorf("resolver: comparing integrity pin: %w", err)
		}
		if !ok {
			return moldauerrors.New(moldauerrors.KindIntegrityPinMismatch,
				fmt.Sprintf("descriptor pin sha1.%s does not match registry shasum for %s", integrity.Hex(pin.Digest), meta.Version))
		}
		return nil
	default:
		sri, err := integrity.ParseSRI(meta.Dist.Integrity)
		if err != nil {
			return fmt.Errorf("resolver: parsing registry integrity: %w", err)
		}
		if !pin.MatchesSRI(sri) {
			return moldauerrors.New(moldauerrors.KindIntegrityPinMismatch,
				fmt.Sprintf("descriptor pin does not match registry integrity for %s", meta.Version))
		}
		return nil
	}
}
