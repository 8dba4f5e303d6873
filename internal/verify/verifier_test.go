package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	moldauerrors "github.com/moldau-dev/moldau/internal/errors"
	"github.com/moldau-dev/moldau/internal/integrity"
	"github.com/moldau-dev/moldau/internal/keys"
	"github.com/moldau-dev/moldau/internal/registry"
)

func TestChainSucceedsWithoutSignatures(t *testing.T) {
	data := []byte("a fake tarball's bytes")
	sha1 := integrity.SHA1WithCollisionDetection(data)
	sri := integrity.SRI{Algo: integrity.AlgoSHA256, Digest: integrity.SHA256(data)}

	err := Chain(Input{
		Bytes:     data,
		Name:      "pnpm",
		Version:   "9.1.0",
		Shasum:    integrity.Hex(sha1.Digest[:]),
		Integrity: sri.String(),
	})
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
}

func TestChainFailsOnShasumMismatch(t *testing.T) {
	data := []byte("a fake tarball's bytes")
	err := Chain(Input{
		Bytes:  data,
		Shasum: "0000000000000000000000000000000000000a",
	})
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindShasumMismatch {
		t.Errorf("KindOf(err) = (%v, %v), want (ShasumMismatch, true)", kind, ok)
	}
}

func TestChainFailsOnIntegrityMismatch(t *testing.T) {
	data := []byte("a fake tarball's bytes")
	err := Chain(Input{
		Bytes:     data,
		Integrity: (integrity.SRI{Algo: integrity.AlgoSHA256, Digest: integrity.SHA256([]byte("different"))}).String(),
	})
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindIntegrityMismatch {
		t.Errorf("KindOf(err) = (%v, %v), want (IntegrityMismatch, true)", kind, ok)
	}
}

func TestChainFlipSingleByteFailsVerification(t *testing.T) {
	data := []byte("a fake tarball's bytes")
	flipped := append([]byte(nil), data...)
	flipped[0] ^= 0xFF

	sha1 := integrity.SHA1WithCollisionDetection(data)
	sri := integrity.SRI{Algo: integrity.AlgoSHA256, Digest: integrity.SHA256(data)}

	err := Chain(Input{
		Bytes:     flipped,
		Shasum:    integrity.Hex(sha1.Digest[:]),
		Integrity: sri.String(),
	})
	if err == nil {
		t.Fatal("expected verification failure after flipping one byte, got nil")
	}
}

func TestCanonicalMessageFormat(t *testing.T) {
	got := canonicalMessage("pnpm", "9.1.0", "sha512-AAAA")
	want := "pnpm@9.1.0:sha512-AAAA"
	if got != want {
		t.Errorf("canonicalMessage() = %q, want %q", got, want)
	}
}

func TestCheckSignaturesKnownKeyAmongUnknownSucceeds(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	message := canonicalMessage("pnpm", "9.1.0", "sha512-AAAA")
	digest := sha256.Sum256([]byte(message))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}

	// One keyid the store knows (stubbed lookup), one it doesn't: the
	// unknown entry is skipped, the known one verifies, and the chain
	// passes.
	orig := lookupKey
	lookupKey = func(keyID string) (keys.Key, bool) {
		if keyID == "known-key" {
			return keys.Key{KeyID: keyID, PublicKey: &priv.PublicKey}, true
		}
		return keys.Key{}, false
	}
	defer func() { lookupKey = orig }()

	err = checkSignatures(Input{
		Name: "pnpm", Version: "9.1.0", Integrity: "sha512-AAAA",
		Signatures: []registry.Signature{
			{KeyID: "retired-key", Sig: integrity.EncodeBase64(sig)},
			{KeyID: "known-key", Sig: integrity.EncodeBase64(sig)},
		},
	})
	if err != nil {
		t.Fatalf("checkSignatures with one known valid signature: %v", err)
	}
}

func TestCheckSignaturesAllUnknownKeysFails(t *testing.T) {
	err := checkSignatures(Input{
		Name: "pnpm", Version: "9.1.0", Integrity: "sha512-AAAA",
		Signatures: []registry.Signature{
			{KeyID: "unknown-key-1", Sig: "AAAA"},
			{KeyID: "unknown-key-2", Sig: "AAAA"},
		},
	})
	kind, ok := moldauerrors.KindOf(err)
	if !ok || kind != moldauerrors.KindSignatureInvalid {
		t.Errorf("KindOf(err) = (%v, %v), want (SignatureInvalid, true)", kind, ok)
	}
}

func TestCheckSignaturesEmptyListTolerated(t *testing.T) {
	if err := checkSignatures(Input{Signatures: nil}); err != nil {
		t.Errorf("checkSignatures with no signatures: %v", err)
	}
}
