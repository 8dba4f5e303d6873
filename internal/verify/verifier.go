// Package verify applies the full verification chain to a downloaded
// tarball: shasum, SRI integrity, and registry signatures.
package verify

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/keys"
	"github.com/moldau-dev/moldau/internal/logging"
	"github.com/moldau-dev/moldau/internal/registry"
)

// Input is everything the chain needs: the downloaded bytes plus the
// resolver's output for the version being installed.
type Input struct {
	Bytes      []byte
	Name       string // npm registry package name, e.g. "pnpm"
	Version    string
	Shasum     string
	Integrity  string
	Signatures []registry.Signature
}

// Chain runs shasum, integrity, and signature verification in order and
// returns the first failure. Any failure means the bytes must be discarded,
// never cached.
func Chain(in Input) error {
	if err := checkShasum(in.Bytes, in.Shasum); err != nil {
		return err
	}
	if err := checkIntegrity(in.Bytes, in.Integrity); err != nil {
		return err
	}
	if err := checkSignatures(in); err != nil {
		return err
	}
	return nil
}

func checkShasum(data []byte, shasumHex string) error {
	if shasumHex == "" {
		return nil
	}
	want, err := integrity.DecodeHex(shasumHex)
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindShasumMismatch, "decoding registry shasum", err)
	}
	got := integrity.SHA1WithCollisionDetection(data)
	if got.Collision {
		return moldauerrors.New(moldauerrors.KindShasumMismatch, "sha1 collision-detection flag set on tarball bytes")
	}
	if !hashEqual(got.Digest[:], want) {
		return moldauerrors.New(moldauerrors.KindShasumMismatch, "tarball shasum does not match registry metadata")
	}
	return nil
}

func checkIntegrity(data []byte, sriValue string) error {
	if sriValue == "" {
		return nil
	}
	sri, err := integrity.ParseSRI(sriValue)
	if err != nil {
		return moldauerrors.Wrap(moldauerrors.KindIntegrityMismatch, "parsing registry integrity value", err)
	}
	if !sri.Verify(data) {
		return moldauerrors.New(moldauerrors.KindIntegrityMismatch, "tarball integrity hash does not match registry metadata")
	}
	return nil
}

// checkSignatures verifies dist.signatures entries. An empty list is
// tolerated. A non-empty list requires at least one success; unknown
// keyids are ignored (not failures) to allow for key rotation.
func checkSignatures(in Input) error {
	if len(in.Signatures) == 0 {
		return nil
	}

	message := canonicalMessage(in.Name, in.Version, in.Integrity)
	digest := sha256.Sum256([]byte(message))

	var verified int
	for _, sig := range in.Signatures {
		key, ok := lookupKey(sig.KeyID)
		if !ok {
			logging.Get().Debugf("verify: ignoring signature from unknown keyid %s", sig.KeyID)
			continue
		}
		sigBytes, err := integrity.DecodeBase64(sig.Sig)
		if err != nil {
			logging.Get().Debugf("verify: malformed signature from keyid %s: %v", sig.KeyID, err)
			continue
		}
		if verifyECDSASignature(key.PublicKey, digest[:], sigBytes) {
			verified++
		}
	}

	if verified == 0 {
		return moldauerrors.New(moldauerrors.KindSignatureInvalid,
			fmt.Sprintf("none of %d signature(s) verified against a known key", len(in.Signatures)))
	}
	return nil
}

// lookupKey resolves a keyid against the compiled-in key store. A var so
// tests can substitute their own keys.
var lookupKey = keys.Lookup

// canonicalMessage is the exact string the registry signs.
func canonicalMessage(name, version, sriIntegrity string) string {
	return fmt.Sprintf("%s@%s:%s", name, version, sriIntegrity)
}

// verifyECDSASignature verifies an ASN.1 DER-encoded ECDSA signature over
// digest using pub.
func verifyECDSASignature(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	return ecdsa.VerifyASN1(pub, digest, sig)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
