// Package canon provides canonical CBOR encoding and content hashing for
// every value that crosses the CAS, the journal, or a module ABI boundary.
//
// Encoding follows the deterministic subset required for identity: maps
// sorted by canonical key bytes, shortest-form integers, no indefinite
// length items, no duplicate map keys. hash(v) is always sha256 of the
// encoded bytes, never of a language-native representation.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortCanonical
	opts.Time = cbor.TimeUnix
	opts.IndefLength = cbor.IndefLengthForbidden
	opts.NaNConvert = cbor.NaNConvert7e00
	opts.InfConvert = cbor.InfConvertFloat16
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canon: invalid encoder options: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		UTF8:        cbor.UTF8RejectInvalid,
	}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canon: invalid decoder options: %v", err))
	}
	decMode = dm
}

// Hash is a 32-byte SHA-256 digest of a canonical-CBOR encoded value.
type Hash [32]byte

// String renders the hash in the textual control-interface form
// "sha256:<hex>".
func (h Hash) String() string {
	return "sha256:" + hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (never a valid content hash,
// since sha256 of any byte sequence including the empty one is non-zero).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the "sha256:<hex>" textual form used on the control
// channel back into a Hash.
func ParseHash(s string) (Hash, error) {
	const prefix = "sha256:"
	if len(s) != len(prefix)+64 || s[:len(prefix)] != prefix {
		return Hash{}, fmt.Errorf("canon: malformed hash %q", s)
	}
	raw, err := hex.DecodeString(s[len(prefix):])
	if err != nil {
		return Hash{}, fmt.Errorf("canon: malformed hash %q: %w", s, err)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// Encode serializes v to canonical CBOR bytes.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: encode failed: %w", err)
	}
	if err := validateUTF8Strings(v); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode deserializes canonical CBOR bytes into v. Decoding rejects
// duplicate map keys, indefinite-length items, and invalid UTF-8 strings
// so that a strict decode never silently accepts non-canonical input.
func Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("canon: decode failed: %w", err)
	}
	return nil
}

// HashBytes returns the SHA-256 digest of raw bytes, independent of any
// encoding — used when hashing already-canonical bytes (e.g. blob
// contents) rather than re-encoding a value.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashValue encodes v to canonical CBOR and returns its hash. This is the
// kernel-wide identity function: hash(v) = sha256(canonical_cbor(v)).
func HashValue(v any) (Hash, error) {
	b, err := Encode(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// Roundtrip verifies encode(decode(encode(v))) = encode(v) for the given
// value, the property required by the canonical-roundtrip invariant. It
// is exported for use in property-based tests outside this package.
func Roundtrip(v any, decoded any) error {
	first, err := Encode(v)
	if err != nil {
		return err
	}
	if err := Decode(first, decoded); err != nil {
		return err
	}
	second, err := Encode(decoded)
	if err != nil {
		return err
	}
	if !bytes.Equal(first, second) {
		return fmt.Errorf("canon: roundtrip mismatch: %x != %x", first, second)
	}
	return nil
}

// validateUTF8Strings walks v defensively for string values containing
// invalid UTF-8. cbor already validates this for map/interface{} shaped
// input at decode time; this guards the less common case of a caller
// encoding a Go string built from invalid byte sequences.
func validateUTF8Strings(v any) error {
	switch t := v.(type) {
	case string:
		if !utf8.ValidString(t) {
			return fmt.Errorf("canon: invalid utf-8 in string value")
		}
	case map[string]any:
		for k, val := range t {
			if !utf8.ValidString(k) {
				return fmt.Errorf("canon: invalid utf-8 in map key %q", k)
			}
			if err := validateUTF8Strings(val); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range t {
			if err := validateUTF8Strings(elem); err != nil {
				return err
			}
		}
	}
	return nil
}
