package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/moldau-dev/moldau/internal/config"
	"github.com/moldau-dev/moldau/internal/descriptor"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/pm"
	"github.com/moldau-dev/moldau/internal/registry"
)

const yarnFixture = `{
  "name": "yarn",
  "dist-tags": {"latest": "1.22.22"},
  "versions": {
    "1.22.0":  {"name":"yarn","version":"1.22.0",  "dist":{"tarball":"https://x/1.22.0.tgz",  "shasum":"a"}},
    "1.22.19": {"name":"yarn","version":"1.22.19", "dist":{"tarball":"https://x/1.22.19.tgz", "shasum":"b"}},
    "1.22.22": {"name":"yarn","version":"1.22.22", "dist":{"tarball":"https://x/1.22.22.tgz", "shasum":"c"}},
    "2.4.1":   {"name":"yarn","version":"2.4.1",   "dist":{"tarball":"https://x/2.4.1.tgz",   "shasum":"d"}},
    "4.0.0":   {"name":"yarn","version":"4.0.0",   "dist":{"tarball":"https://x/4.0.0.tgz",   "shasum":"e"}}
  }
}`

// newTestResolver serves body for GET /<name>, and, if body is
// package-shaped (carries a "versions" map), extracts and serves the
// matching entry for GET /<name>/<version>, mirroring the real registry's
// two distinct endpoints from one fixture.
func newTestResolver(t *testing.T, body string) *Resolver {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		var versionsRaw json.RawMessage
		var isPackageShaped bool
		if err := json.Unmarshal([]byte(body), &raw); err == nil {
			versionsRaw, isPackageShaped = raw["versions"]
		}

		segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if !isPackageShaped || len(segments) < 2 {
			w.Write([]byte(body))
			return
		}

		var versions map[string]json.RawMessage
		if err := json.Unmarshal(versionsRaw, &versions); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		version := segments[len(segments)-1]
		vm, ok := versions[version]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(vm)
	}))
	t.Cleanup(srv.Close)

	client, err := registry.New(config.Config{RegistryURL: srv.URL})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return New(client)
}

func TestResolveRangePicksGreatestMatching(t *testing.T) {
	r := newTestResolver(t, yarnFixture)
	d := descriptor.Descriptor{Kind: pm.Yarn, Spec: descriptor.VersionSpec{Kind: descriptor.SpecRange, Value: "^1.22.0"}}

	res, err := r.Resolve(context.Background(), d)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ExactVersion != "1.22.22" {
		t.Errorf("ExactVersion = %s, want 1.22.22", res.ExactVersion)
	}
	if res.Kind != pm.Yarn {
		t.Errorf("Kind = %s, want yarn", res.Kind)
	}
}

func TestResolveBerry2xExceptionSucceeds(t *testing.T) {
	r := newTestResolver(t, yarnFixture)
	d := descriptor.Descriptor{Kind: pm.YarnBerry, Spec: descriptor.VersionSpec{Kind: descriptor.SpecExact, Value: "2.4.1"}}

	res, err := r.Resolve(context.Background(), d)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != pm.YarnBerry {
		t.Errorf("Kind = %s, want yarn-berry", res.Kind)
	}
}

func TestResolveBerry2xOtherVersionFails(t *testing.T) {
	singleVersion := `{"name":"yarn","dist-tags":{},"versions":{"2.0.0":{"name":"yarn","version":"2.0.0","dist":{"tarball":"https://x/2.0.0.tgz","shasum":"a"}}}}`
	r := newTestResolver(t, singleVersion)
	d := descriptor.Descriptor{Kind: pm.YarnBerry, Spec: descriptor.VersionSpec{Kind: descriptor.SpecExact, Value: "2.0.0"}}

	_, err := r.Resolve(context.Background(), d)
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindUnsupportedBerry2x {
		t.Errorf("KindOf(err) = (%v, %v), want (UnsupportedBerry2x, true)", kind, ok)
	}
}

func TestClassifyYarn(t *testing.T) {
	tests := []struct {
		declared pm.Kind
		version  string
		want     pm.Kind
		wantErr  bool
	}{
		{pm.Yarn, "1.22.22", pm.Yarn, false},
		{pm.Yarn, "2.4.1", pm.YarnBerry, false},
		{pm.Yarn, "2.0.0", "", true},
		{pm.Yarn, "4.0.0", pm.YarnBerry, false},
		{pm.PNPM, "9.1.0", pm.PNPM, false},
	}
	for _, tt := range tests {
		got, err := ClassifyYarn(tt.declared, tt.version)
		if (err != nil) != tt.wantErr {
			t.Errorf("ClassifyYarn(%s, %s) error = %v, wantErr %v", tt.declared, tt.version, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ClassifyYarn(%s, %s) = %s, want %s", tt.declared, tt.version, got, tt.want)
		}
	}
}

func TestResolveTagUnknown(t *testing.T) {
	r := newTestResolver(t, yarnFixture)
	d := descriptor.Descriptor{Kind: pm.Yarn, Spec: descriptor.VersionSpec{Kind: descriptor.SpecTag, Value: "nightly"}}

	_, err := r.Resolve(context.Background(), d)
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindTagUnknown {
		t.Errorf("KindOf(err) = (%v, %v), want (TagUnknown, true)", kind, ok)
	}
}

func TestResolveNoMatchingVersion(t *testing.T) {
	r := newTestResolver(t, yarnFixture)
	d := descriptor.Descriptor{Kind: pm.Yarn, Spec: descriptor.VersionSpec{Kind: descriptor.SpecRange, Value: "^9.0.0"}}

	_, err := r.Resolve(context.Background(), d)
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindNoMatchingVersion {
		t.Errorf("KindOf(err) = (%v, %v), want (NoMatchingVersion, true)", kind, ok)
	}
}

func TestResolveIntegrityPinMismatchBeforeDownload(t *testing.T) {
	single := `{"name":"pnpm","version":"9.1.0","dist":{"tarball":"https://x/9.1.0.tgz","shasum":"356a192b7913b04c54574d18c28d46e6395428ab"}}`
	r := newTestResolver(t, single)
	pin, err := integrity.ParsePin("sha1.0000000000000000000000000000000000000a")
	if err != nil {
		t.Fatalf("ParsePin: %v", err)
	}
	d := descriptor.Descriptor{
		Kind: pm.PNPM,
		Spec: descriptor.VersionSpec{Kind: descriptor.SpecExact, Value: "9.1.0"},
		Pin:  &pin,
	}

	_, err = r.Resolve(context.Background(), d)
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindIntegrityPinMismatch {
		t.Errorf("KindOf(err) = (%v, %v), want (IntegrityPinMismatch, true)", kind, ok)
	}
}

func TestResolveIntegrityPinMatchSucceeds(t *testing.T) {
	single := `{"name":"pnpm","version":"9.1.0","dist":{"tarball":"https://x/9.1.0.tgz","shasum":"356a192b7913b04c54574d18c28d46e6395428ab"}}`
	r := newTestResolver(t, single)
	pin, err := integrity.ParsePin("sha1.356a192b7913b04c54574d18c28d46e6395428ab")
	if err != nil {
		t.Fatalf("ParsePin: %v", err)
	}
	d := descriptor.Descriptor{
		Kind: pm.PNPM,
		Spec: descriptor.VersionSpec{Kind: descriptor.SpecExact, Value: "9.1.0"},
		Pin:  &pin,
	}

	if _, err := r.Resolve(context.Background(), d); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}
