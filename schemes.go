package replikv

import (
	"errors"
	"io"
)

// The replica is polymorphic over six schemes passed as a capability set at
// construction. Identifier and digest values are opaque byte strings; the
// schemes govern their encoding, ordering and verification.
//
// Encodings must be self-delimiting (Decode recovers the value and its
// consumed length from the bytes alone) and, for subspaces, prefix-free:
// no valid encoding may be a proper prefix of another, because subspace
// encodings lead composite index keys.

// NamespaceScheme encodes and compares namespace identifiers.
type NamespaceScheme interface {
	Encode(id []byte) []byte
	Decode(b []byte) (id []byte, consumed int, err error)
	EncodedLength(id []byte) int
	IsEqual(a, b []byte) bool
}

// SubspaceScheme encodes and totally orders subspace identifiers.
type SubspaceScheme interface {
	Encode(id []byte) []byte
	Decode(b []byte) (id []byte, consumed int, err error)
	EncodedLength(id []byte) int
	IsEqual(a, b []byte) bool

	// Order returns -1, 0 or 1. The encoding must preserve this order
	// under bytewise comparison.
	Order(a, b []byte) int

	// Successor returns the next identifier in order, or false at the top
	// of the domain.
	Successor(id []byte) ([]byte, bool)

	// Minimum is the least identifier in the domain.
	Minimum() []byte
}

// PathScheme bounds path shapes.
type PathScheme interface {
	MaxComponentLength() int
	MaxComponentCount() int
	MaxTotalLength() int
}

// PayloadScheme produces and encodes payload digests. FromBytes consumes a
// stream and returns its digest; Order totally orders digests.
type PayloadScheme interface {
	Encode(digest []byte) []byte
	Decode(b []byte) (digest []byte, consumed int, err error)
	EncodedLength(digest []byte) int
	FromBytes(r io.Reader) ([]byte, error)
	Order(a, b []byte) int
}

// AuthorisationScheme mints and verifies write tokens. Tokens are opaque
// bytes; the replica stores them keyed by their payload-scheme digest.
type AuthorisationScheme interface {
	Authorise(e Entry, opts any) ([]byte, error)
	IsAuthorisedWrite(e Entry, token []byte) bool
}

// FingerprintScheme is the lifting monoid over entries used for range
// summaries: Combine must be associative with Neutral as identity. Area
// summaries additionally fold partial runs independently, so Combine
// should be commutative for fingerprints exchanged with other replicas.
type FingerprintScheme interface {
	Neutral() []byte
	LiftSingleton(e Entry) []byte
	Combine(a, b []byte) []byte
}

// Schemes bundles the capability set.
type Schemes struct {
	Namespace     NamespaceScheme
	Subspace      SubspaceScheme
	Path          PathScheme
	Payload       PayloadScheme
	Authorisation AuthorisationScheme
	Fingerprint   FingerprintScheme
}

func (s Schemes) validate() error {
	switch {
	case s.Namespace == nil:
		return errors.New("replikv: nil namespace scheme")
	case s.Subspace == nil:
		return errors.New("replikv: nil subspace scheme")
	case s.Path == nil:
		return errors.New("replikv: nil path scheme")
	case s.Payload == nil:
		return errors.New("replikv: nil payload scheme")
	case s.Authorisation == nil:
		return errors.New("replikv: nil authorisation scheme")
	case s.Fingerprint == nil:
		return errors.New("replikv: nil fingerprint scheme")
	default:
		return nil
	}
}
