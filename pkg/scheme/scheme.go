// Package scheme provides a ready-made, conforming scheme set for replikv:
// fixed eight-byte identifiers, SHA-256 payload digests, BLAKE2b/XOR range
// fingerprints, and a keyed-MAC authorisation scheme over a shared secret.
//
// It is suitable for tests, tooling and single-operator deployments; real
// multi-party deployments substitute signature-based schemes.
package scheme

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"

	"github.com/calvinalkan/replikv"
)

// IDLength is the fixed identifier width for namespaces and subspaces.
const IDLength = 8

// DigestLength is the payload digest width.
const DigestLength = sha256.Size

// ErrBadIdentifier reports an identifier of the wrong width.
var ErrBadIdentifier = errors.New("scheme: identifier must be 8 bytes")

// New bundles the demo schemes around a shared authorisation secret.
func New(secret []byte) replikv.Schemes {
	return replikv.Schemes{
		Namespace:     IDScheme{},
		Subspace:      IDScheme{},
		Path:          PathLimits{},
		Payload:       SHA256Scheme{},
		Authorisation: NewMACScheme(secret),
		Fingerprint:   XORFingerprintScheme{},
	}
}

// ID builds a fixed-width identifier from a short label, zero padded.
func ID(label string) []byte {
	id := make([]byte, IDLength)
	copy(id, label)
	return id
}

// IDScheme encodes fixed eight-byte identifiers verbatim. Fixed width makes
// every encoding trivially self-delimiting and prefix-free.
type IDScheme struct{}

func (IDScheme) Encode(id []byte) []byte { return bytes.Clone(id) }

func (IDScheme) Decode(b []byte) ([]byte, int, error) {
	if len(b) < IDLength {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrBadIdentifier, len(b))
	}
	return bytes.Clone(b[:IDLength]), IDLength, nil
}

func (IDScheme) EncodedLength(id []byte) int { return IDLength }

func (IDScheme) IsEqual(a, b []byte) bool { return bytes.Equal(a, b) }

func (IDScheme) Order(a, b []byte) int { return bytes.Compare(a, b) }

func (IDScheme) Successor(id []byte) ([]byte, bool) {
	out := bytes.Clone(id)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out, true
		}
	}
	return nil, false
}

func (IDScheme) Minimum() []byte { return make([]byte, IDLength) }

// PathLimits bounds paths to 16 components of 64 bytes, 1024 bytes total.
type PathLimits struct{}

func (PathLimits) MaxComponentLength() int { return 64 }

func (PathLimits) MaxComponentCount() int { return 16 }

func (PathLimits) MaxTotalLength() int { return 1024 }

// SHA256Scheme digests payloads with SHA-256.
type SHA256Scheme struct{}

func (SHA256Scheme) Encode(digest []byte) []byte { return bytes.Clone(digest) }

func (SHA256Scheme) Decode(b []byte) ([]byte, int, error) {
	if len(b) < DigestLength {
		return nil, 0, fmt.Errorf("scheme: digest needs %d bytes, have %d", DigestLength, len(b))
	}
	return bytes.Clone(b[:DigestLength]), DigestLength, nil
}

func (SHA256Scheme) EncodedLength(digest []byte) int { return DigestLength }

func (SHA256Scheme) FromBytes(r io.Reader) ([]byte, error) {
	h := sha256.New()
	_, err := io.Copy(h, r)
	if err != nil {
		return nil, fmt.Errorf("scheme: digest stream: %w", err)
	}
	return h.Sum(nil), nil
}

func (SHA256Scheme) Order(a, b []byte) int { return bytes.Compare(a, b) }

// entryBytes is the canonical byte form of an entry for MACs and
// fingerprints.
func entryBytes(e replikv.Entry) []byte {
	encPath := replikv.EncodePath(e.Path)

	var out []byte
	out = append(out, e.Namespace...)
	out = append(out, e.Subspace...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(encPath)))
	out = append(out, encPath...)
	out = binary.BigEndian.AppendUint64(out, e.Timestamp)
	out = binary.BigEndian.AppendUint64(out, e.PayloadLength)
	out = append(out, e.PayloadDigest...)
	return out
}

// MACScheme authorises writes with a keyed BLAKE2b MAC over the canonical
// entry bytes. Everyone holding the secret may write.
type MACScheme struct {
	secret []byte
}

// MACOptions optionally overrides the scheme secret for one call.
type MACOptions struct {
	Secret []byte
}

// NewMACScheme returns a scheme over the shared secret.
func NewMACScheme(secret []byte) MACScheme {
	return MACScheme{secret: bytes.Clone(secret)}
}

func (s MACScheme) mac(e replikv.Entry, secret []byte) ([]byte, error) {
	h, err := blake2b.New256(secret)
	if err != nil {
		return nil, fmt.Errorf("scheme: mac key: %w", err)
	}
	_, _ = h.Write(entryBytes(e))
	return h.Sum(nil), nil
}

func (s MACScheme) Authorise(e replikv.Entry, opts any) ([]byte, error) {
	secret := s.secret
	if o, ok := opts.(MACOptions); ok && o.Secret != nil {
		secret = o.Secret
	}
	return s.mac(e, secret)
}

func (s MACScheme) IsAuthorisedWrite(e replikv.Entry, token []byte) bool {
	want, err := s.mac(e, s.secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, token) == 1
}

// XORFingerprintScheme lifts entries to BLAKE2b-256 hashes combined by
// XOR. XOR is associative and commutative with the zero digest as
// identity, so partial fingerprints can be merged in any order.
type XORFingerprintScheme struct{}

func (XORFingerprintScheme) Neutral() []byte { return make([]byte, blake2b.Size256) }

func (XORFingerprintScheme) LiftSingleton(e replikv.Entry) []byte {
	sum := blake2b.Sum256(entryBytes(e))
	return sum[:]
}

func (XORFingerprintScheme) Combine(a, b []byte) []byte {
	out := make([]byte, blake2b.Size256)
	copy(out, a)
	for i := 0; i < len(b) && i < len(out); i++ {
		out[i] ^= b[i]
	}
	return out
}
