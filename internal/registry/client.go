// Package registry implements the npm registry HTTP client: GET /{name} and
// GET /{name}/{version}, with env-driven auth and transient/not-found/auth
// error mapping.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/moldau-dev/moldau/internal/config"
	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/logging"
)

const requestTimeout = 30 * time.Second

// Client talks to the npm registry JSON API and fetches tarballs.
type Client struct {
	baseURL  *url.URL
	token    string
	username string
	password string
	http     *http.Client
}

// New builds a Client from Config. The underlying transport retries
// transient failures up to 3 times with exponential backoff (250ms, 1s,
// 4s).
func New(cfg config.Config) (*Client, error) {
	base, err := url.Parse(cfg.RegistryURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid registry URL %q: %w", cfg.RegistryURL, err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 4 * time.Second
	retryClient.Backoff = func(waitMin, waitMax time.Duration, attemptNum int, _ *http.Response) time.Duration {
		wait := waitMin
		for i := 0; i < attemptNum; i++ {
			wait *= 4
		}
		if wait > waitMax {
			wait = waitMax
		}
		return wait
	}
	retryClient.Logger = nil // credentials never touch the default logger
	retryClient.HTTPClient.Timeout = requestTimeout

	return &Client{
		baseURL:  base,
		token:    cfg.Token,
		username: cfg.Username,
		password: cfg.Password,
		http:     retryClient.StandardClient(),
	}, nil
}

// GetPackage fetches GET /{name}.
func (c *Client) GetPackage(ctx context.Context, name string) (*Package, error) {
	var pkg Package
	if err := c.getJSON(ctx, name, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// GetVersion fetches GET /{name}/{version} for an exact version.
func (c *Client) GetVersion(ctx context.Context, name, version string) (*VersionMeta, error) {
	var v VersionMeta
	if err := c.getJSON(ctx, path.Join(name, version), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// FetchTarball downloads the tarball at url and returns its bytes.
func (c *Client) FetchTarball(ctx context.Context, tarballURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tarballURL, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: building tarball request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, moldauerrors.Wrap(moldauerrors.KindRegistryUnavailable, "fetching tarball", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode, "fetching tarball")
	}
	return readAll(resp)
}

func (c *Client) getJSON(ctx context.Context, relPath string, v interface{}) error {
	ref, err := url.Parse(path.Join("/", relPath))
	if err != nil {
		return fmt.Errorf("registry: building request path: %w", err)
	}
	full := c.baseURL.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full.String(), nil)
	if err != nil {
		return fmt.Errorf("registry: building request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	c.applyAuth(req)

	logging.Get().Debugf("registry: GET %s", full.Redacted())

	resp, err := c.http.Do(req)
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindRegistryUnavailable, "contacting registry", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return moldauerrors.New(moldauerrors.KindRegistryNotFound, "package or version not found")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return moldauerrors.New(moldauerrors.KindRegistryAuth, "registry authentication rejected")
	case resp.StatusCode >= 500:
		return moldauerrors.New(moldauerrors.KindRegistryUnavailable, fmt.Sprintf("registry returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return moldauerrors.New(moldauerrors.KindRegistryUnavailable, fmt.Sprintf("unexpected registry status %s", resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("registry: decoding response: %w", err)
	}
	return nil
}

// applyAuth sets the authorization header from the client's configured
// credentials. Never logs the header value.
func (c *Client) applyAuth(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("authorization", "Bearer "+c.token)
	case c.username != "" && c.password != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

func readAll(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: reading response body: %w", err)
	}
	return data, nil
}

func statusErr(code int, action string) error {
	switch {
	case code == http.StatusNotFound:
		return moldauerrors.New(moldauerrors.KindRegistryNotFound, action)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return moldauerrors.New(moldauerrors.KindRegistryAuth, action)
	default:
		return moldauerrors.New(moldauerrors.KindRegistryUnavailable, fmt.Sprintf("%s: status %d", action, code))
	}
}
