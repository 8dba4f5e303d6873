// Package integrity implements the hash and encoding primitives the
// verification chain is built from: collision-detecting SHA-1, SHA-256, and
// the hex/base64 codecs used by SRI and npm's shasum field.
package integrity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/pjbgf/sha1cd"
)

// SHA1Result is the outcome of a collision-detecting SHA-1 computation.
type SHA1Result struct {
	Digest    [20]byte
	Collision bool
}

// SHA1WithCollisionDetection hashes data with the only SHA-1 variant the
// verification paths are permitted to use: one that flags inputs bearing a
// chosen-prefix collision. Collision is a hard verification failure
// wherever this is called from (see verify.Chain).
func SHA1WithCollisionDetection(data []byte) SHA1Result {
	digest, collision := sha1cd.Sum(data)
	return SHA1Result{Digest: digest, Collision: collision}
}

// Hex returns the lowercase hex encoding of digest, matching npm's shasum
// format.
func Hex(digest []byte) string {
	return hex.EncodeToString(digest)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DecodeHex decodes a hex digest, as used by the legacy shasum field.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// DecodeBase64 decodes a standard (non-URL) base64 digest, as used by SRI
// and by registry signature payloads.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// EncodeBase64 encodes a digest the way SRI values and signatures are
// encoded.
func EncodeBase64(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}
