// Package attest verifies npm's "provenance" attestation bundles with
// sigstore-go, on top of (never instead of) the core shasum/integrity/
// signature chain in internal/verify. An attestation failure is reported,
// never fatal to an install: it enriches trust, it does not gate it.
package attest

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sigstore/sigstore-go/pkg/bundle"
	"github.com/sigstore/sigstore-go/pkg/root"
	"github.com/sigstore/sigstore-go/pkg/tuf"
	"github.com/sigstore/sigstore-go/pkg/verify"
)

// Status describes the outcome of attestation enrichment for one install.
type Status string

// Status values.
const (
	StatusNone     Status = "none" // dist.attestations was absent
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed" // attestations were present but did not verify
)

// Result is what enrichment reports back to the installer; it never blocks
// the install it describes.
type Result struct {
	Status    Status
	Publisher string // signing certificate's subject alternative name, e.g. a GitHub Actions workflow ref; empty if the result carries no certificate summary
	Err       error
}

// githubActionsIssuer is the OIDC issuer npm's provenance attestations are
// expected to chain to: packages published via the npm CLI's --provenance
// flag are built in GitHub Actions and the resulting certificate's issuer
// extension names this URL.
const githubActionsIssuer = "https://token.actions.githubusercontent.com"

// Verifier wraps a sigstore-go verifier built against the public-good
// instance's current TUF trusted root.
type Verifier struct {
	bundleVerifier *verify.Verifier
	http           *http.Client
}

// NewVerifier fetches the current Sigstore trusted root over TUF and builds
// a verifier requiring a signed certificate timestamp, a transparency log
// inclusion proof, and an observer timestamp.
func NewVerifier(_ context.Context) (*Verifier, error) {
	tufClient, err := tuf.New(tuf.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("attest: creating TUF client: %w", err)
	}

	trustedRoot, err := root.GetTrustedRoot(tufClient)
	if err != nil {
		return nil, fmt.Errorf("attest: fetching trusted root: %w", err)
	}

	v, err := verify.NewVerifier(trustedRoot,
		verify.WithSignedCertificateTimestamps(1),
		verify.WithTransparencyLog(1),
		verify.WithObserverTimestamps(1),
	)
	if err != nil {
		return nil, fmt.Errorf("attest: building verifier: %w", err)
	}

	return &Verifier{
		bundleVerifier: v,
		http:           &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Verify checks dist.attestations (the raw, still-undecoded JSON value from
// the registry response) against tarballBytes, which the caller has already
// downloaded and passed the core verification chain; enrichment never
// re-fetches the artifact it is attesting to.
func (v *Verifier) Verify(ctx context.Context, attestations interface{}, tarballBytes []byte) Result {
	if attestations == nil {
		return Result{Status: StatusNone}
	}

	bundleData, err := extractBundle(ctx, v.http, attestations)
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("attest: locating attestation bundle: %w", err)}
	}

	digest := sha512.Sum512(tarballBytes)

	b := &bundle.Bundle{}
	if err := json.Unmarshal(bundleData, b); err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("attest: parsing bundle: %w", err)}
	}

	certID, err := verify.NewShortCertificateIdentity(githubActionsIssuer, "", "", "^https://github.com/.*")
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("attest: building certificate identity: %w", err)}
	}

	policy := verify.NewPolicy(
		verify.WithArtifactDigest("sha512", digest[:]),
		verify.WithCertificateIdentity(certID),
	)
	result, err := v.bundleVerifier.Verify(b, policy)
	if err != nil {
		return Result{Status: StatusFailed, Err: fmt.Errorf("attest: bundle verification failed: %w", err)}
	}

	return Result{Status: StatusVerified, Publisher: publisherOf(result)}
}

// publisherOf pulls the signing certificate's subject alternative name out
// of a successful verification result. The identity was already matched
// against the certificate policy during Verify; this is reporting only.
func publisherOf(result *verify.VerificationResult) string {
	if result == nil || result.Signature == nil || result.Signature.Certificate == nil {
		return ""
	}
	return result.Signature.Certificate.SubjectAlternativeName
}

// extractBundle handles both shapes observed in npm registry responses:
// attestations embedded directly as a JSON object, or a {"url": "..."}
// indirection to fetch separately.
func extractBundle(ctx context.Context, client *http.Client, attestations interface{}) ([]byte, error) {
	obj, ok := attestations.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("attestations field is not a JSON object")
	}

	bundleURL, hasURL := obj["url"].(string)
	if !hasURL {
		return json.Marshal(obj)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bundleURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching attestation bundle: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
