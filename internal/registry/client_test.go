package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/moldau-dev/moldau/internal/config"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(config.Config{RegistryURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetPackage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pnpm" {
			t.Errorf("path = %s, want /pnpm", r.URL.Path)
		}
		if r.Header.Get("accept") != "application/json" {
			t.Errorf("accept header = %q, want application/json", r.Header.Get("accept"))
		}
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"name":"pnpm","dist-tags":{"latest":"9.1.0"},"versions":{"9.1.0":{"name":"pnpm","version":"9.1.0","dist":{"tarball":"https://example/pnpm-9.1.0.tgz","shasum":"abc"}}}}`))
	})

	pkg, err := c.GetPackage(context.Background(), "pnpm")
	if err != nil {
		t.Fatalf("GetPackage: %v", err)
	}
	if pkg.DistTags["latest"] != "9.1.0" {
		t.Errorf("dist-tags[latest] = %s, want 9.1.0", pkg.DistTags["latest"])
	}
	if _, ok := pkg.Versions["9.1.0"]; !ok {
		t.Error("versions[9.1.0] missing")
	}
}

func TestGetVersionMapsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetVersion(context.Background(), "pnpm", "0.0.0")
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindRegistryNotFound {
		t.Errorf("KindOf(err) = (%v, %v), want (RegistryNotFound, true)", kind, ok)
	}
}

func TestGetVersionMapsAuthError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.GetVersion(context.Background(), "pnpm", "9.1.0")
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindRegistryAuth {
		t.Errorf("KindOf(err) = (%v, %v), want (RegistryAuth, true)", kind, ok)
	}
}

func TestApplyAuthSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("authorization")
		w.Write([]byte(`{"name":"pnpm","version":"9.1.0","dist":{"tarball":"x","shasum":"y"}}`))
	}))
	defer srv.Close()

	c, err := New(config.Config{RegistryURL: srv.URL, Token: "secret-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.GetVersion(context.Background(), "pnpm", "9.1.0"); err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("authorization header = %q, want %q", gotAuth, "Bearer secret-token")
	}
}

func TestFetchTarball(t *testing.T) {
	want := []byte("fake tarball bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(want)
	}))
	defer srv.Close()

	c, err := New(config.Config{RegistryURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.FetchTarball(context.Background(), srv.URL+"/pnpm-9.1.0.tgz")
	if err != nil {
		t.Fatalf("FetchTarball: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("FetchTarball() = %q, want %q", got, want)
	}
}
