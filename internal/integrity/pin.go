package integrity

import (
	"fmt"
	"strings"
)

// Pin is the integrity constraint a descriptor string may carry after a
// `+` suffix: `+sha1.<hex>` or `+sha512.<base64>`.
type Pin struct {
	Algo   Algo
	Digest []byte
}

// ParsePin parses the `<algo>.<digest>` portion following the `+` in a
// `name@spec+<algo>.<digest>` descriptor string.
func ParsePin(s string) (Pin, error) {
	algo, enc, ok := strings.Cut(s, ".")
	if !ok {
		return Pin{}, fmt.Errorf("integrity: malformed pin %q", s)
	}
	switch Algo(algo) {
	case AlgoSHA1:
		digest, err := DecodeHex(enc)
		if err != nil {
			return Pin{}, fmt.Errorf("integrity: decoding sha1 pin: %w", err)
		}
		return Pin{Algo: AlgoSHA1, Digest: digest}, nil
	case AlgoSHA512:
		digest, err := DecodeBase64(enc)
		if err != nil {
			return Pin{}, fmt.Errorf("integrity: decoding sha512 pin: %w", err)
		}
		return Pin{Algo: AlgoSHA512, Digest: digest}, nil
	default:
		return Pin{}, fmt.Errorf("integrity: unsupported pin algorithm %q", algo)
	}
}

// String serializes the pin back to `<algo>.<digest>` form, hex for sha1,
// base64 for sha512, matching how it was parsed.
func (p Pin) String() string {
	switch p.Algo {
	case AlgoSHA1:
		return fmt.Sprintf("%s.%s", p.Algo, Hex(p.Digest))
	default:
		return fmt.Sprintf("%s.%s", p.Algo, EncodeBase64(p.Digest))
	}
}

// MatchesShasum reports whether this pin (if sha1) matches a hex shasum
// string from registry metadata.
func (p Pin) MatchesShasum(shasumHex string) (bool, error) {
	if p.Algo != AlgoSHA1 {
		return false, fmt.Errorf("integrity: pin algorithm %s is not sha1", p.Algo)
	}
	want, err := DecodeHex(shasumHex)
	if err != nil {
		return false, fmt.Errorf("integrity: decoding shasum: %w", err)
	}
	return constantTimeEqual(p.Digest, want), nil
}

// MatchesSRI reports whether this pin matches a parsed SRI value of the
// same algorithm.
func (p Pin) MatchesSRI(s SRI) bool {
	if p.Algo != s.Algo {
		return false
	}
	return constantTimeEqual(p.Digest, s.Digest)
}
