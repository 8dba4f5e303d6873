// Package keys holds the compiled-in npm registry signing keys used to
// verify dist.signatures entries. The set is a point-in-time snapshot; an
// out-of-band scheduled check compares it against the registry's live
// /-/npm/v1/keys endpoint and fails if any live keyid is missing here.
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// Key is one registry signing key.
type Key struct {
	KeyID     string
	PublicKey *ecdsa.PublicKey
}

// store is the compiled-in key set, keyed by keyid. The keyid is the
// SSH-style SHA-256 fingerprint the registry publishes alongside each key;
// the value is the key's uncompressed SEC1 P-256 point.
var store = map[string]*ecdsa.PublicKey{
	"SHA256:jl3bwswu80PjjokCgh0o2w5c2U4LhQAE57gj9cz1kzA": mustParseSEC1Hex(
		"04d4e95bdf3300145c572878889103b9709dd8865e62e943e9f8886eb5e0496ee1" +
			"dc03952880aa34116b655b05ba29268aa1334460bec9942422567921064b5482",
	),
}

// mustParseSEC1Hex decodes a hex-encoded uncompressed SEC1 P-256 point
// (0x04 || X || Y, 65 bytes) into an *ecdsa.PublicKey. Panics on malformed
// input; this only ever runs at package init against compiled-in
// constants.
func mustParseSEC1Hex(hexPoint string) *ecdsa.PublicKey {
	raw, err := hex.DecodeString(hexPoint)
	if err != nil {
		panic(fmt.Sprintf("keys: malformed embedded key: %v", err))
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		// Fall back to parsing a DER SubjectPublicKeyInfo, in case the
		// embedded constant is in that form instead of a raw point.
		pub, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			panic(fmt.Sprintf("keys: invalid embedded key point: %v", err))
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			panic("keys: embedded key is not an ECDSA key")
		}
		return ecPub
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
}

// Lookup returns the key for keyid, and whether it was found. A keyid
// absent from the store is not an error by itself (it allows rotation);
// the caller simply doesn't count it as a verifying signature.
func Lookup(keyID string) (Key, bool) {
	pub, ok := store[keyID]
	if !ok {
		return Key{}, false
	}
	return Key{KeyID: keyID, PublicKey: pub}, true
}

// KeyIDs returns the set of keyids currently compiled in, for diagnostics
// and for the out-of-band rotation check.
func KeyIDs() []string {
	ids := make([]string, 0, len(store))
	for id := range store {
		ids = append(ids, id)
	}
	return ids
}
