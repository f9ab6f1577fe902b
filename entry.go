// Package replikv implements the core of a local replica for a
// set-reconciliation-oriented, multi-writer, timestamped key-value store.
//
// A [Replica] holds authenticated entries under a single namespace. Entries
// are addressed by (subspace, path, timestamp) and carry a payload digest
// and length. The replica enforces newer-prefix dominance and
// same-coordinate supersession atomically and crash-safely, maintains a
// three-ordering index with monoid range fingerprints for the surrounding
// sync protocol, and tracks which stored paths prefix one another.
//
// Identifier encodings, digests, authorisation and payload byte storage are
// injected as capabilities; see [Schemes] and [PayloadStore].
package replikv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedEntry reports undecodable entry bytes.
// Callers should use errors.Is(err, ErrMalformedEntry).
var ErrMalformedEntry = errors.New("replikv: malformed entry encoding")

// ErrPathTooLarge reports a path exceeding the path scheme's limits.
// Callers should use errors.Is(err, ErrPathTooLarge).
var ErrPathTooLarge = errors.New("replikv: path exceeds scheme limits")

// Path is an ordered sequence of byte-string components. Paths compare
// component-wise lexicographically.
type Path [][]byte

// Clone deep-copies the path.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	for i, c := range p {
		out[i] = bytes.Clone(c)
	}
	return out
}

// TotalLength is the summed length of all components.
func (p Path) TotalLength() int {
	n := 0
	for _, c := range p {
		n += len(c)
	}
	return n
}

// ComparePaths orders paths component-wise lexicographically, shorter
// path first on a tie.
func ComparePaths(a, b Path) int {
	n := min(len(a), len(b))
	for i := range n {
		if c := bytes.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// IsPathPrefix reports whether every component of p matches the leading
// components of q. A path is a prefix of itself.
func IsPathPrefix(p, q Path) bool {
	if len(p) > len(q) {
		return false
	}
	for i := range p {
		if !bytes.Equal(p[i], q[i]) {
			return false
		}
	}
	return true
}

// EncodePath injects a path into a byte string that preserves
// component-wise lexicographic order and is self-delimiting: every 0x00
// byte inside a component is escaped as 0x00 0x01 and every component ends
// with the terminator 0x00 0x00.
func EncodePath(p Path) []byte {
	var out []byte
	for _, comp := range p {
		for _, b := range comp {
			if b == 0x00 {
				out = append(out, 0x00, 0x01)
			} else {
				out = append(out, b)
			}
		}
		out = append(out, 0x00, 0x00)
	}
	return out
}

// DecodePath reverses EncodePath over the whole input.
func DecodePath(b []byte) (Path, error) {
	var (
		path Path
		comp []byte
	)

	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != 0x00 {
			comp = append(comp, c)
			continue
		}

		if i+1 >= len(b) {
			return nil, fmt.Errorf("%w: truncated path escape", ErrMalformedEntry)
		}

		i++
		switch b[i] {
		case 0x00:
			path = append(path, comp)
			comp = nil
		case 0x01:
			comp = append(comp, 0x00)
		default:
			return nil, fmt.Errorf("%w: invalid path escape byte 0x%02x", ErrMalformedEntry, b[i])
		}
	}

	if len(comp) != 0 {
		return nil, fmt.Errorf("%w: unterminated path component", ErrMalformedEntry)
	}

	if path == nil {
		path = Path{}
	}

	return path, nil
}

// Entry is one stored record. Namespace, Subspace and PayloadDigest are
// opaque values governed by the replica's schemes. Timestamp is
// microseconds since the Unix epoch; ordering is lexicographic on its
// big-endian encoding, so no clock monotonicity is assumed.
//
// Entries are immutable once stored: they are created by Set or Ingest and
// removed only by the replica itself or an explicit Forget.
type Entry struct {
	Namespace     []byte
	Subspace      []byte
	Path          Path
	Timestamp     uint64
	PayloadLength uint64
	PayloadDigest []byte
}

// Equal reports whether two entries are identical in all fields.
func (e Entry) Equal(other Entry) bool {
	return bytes.Equal(e.Namespace, other.Namespace) &&
		bytes.Equal(e.Subspace, other.Subspace) &&
		ComparePaths(e.Path, other.Path) == 0 &&
		e.Timestamp == other.Timestamp &&
		e.PayloadLength == other.PayloadLength &&
		bytes.Equal(e.PayloadDigest, other.PayloadDigest)
}

// EncodeEntry serialises an entry with the given schemes. Every field is
// recoverable from the bytes alone: identifier encodings are
// self-delimiting by scheme contract and the path carries its own length.
func EncodeEntry(s Schemes, e Entry) []byte {
	encPath := EncodePath(e.Path)

	var out []byte
	out = append(out, s.Namespace.Encode(e.Namespace)...)
	out = append(out, s.Subspace.Encode(e.Subspace)...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(encPath)))
	out = append(out, encPath...)
	out = binary.BigEndian.AppendUint64(out, e.Timestamp)
	out = binary.BigEndian.AppendUint64(out, e.PayloadLength)
	out = append(out, s.Payload.Encode(e.PayloadDigest)...)
	return out
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(s Schemes, b []byte) (Entry, error) {
	var e Entry

	namespace, n, err := s.Namespace.Decode(b)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: namespace: %v", ErrMalformedEntry, err)
	}
	e.Namespace = namespace
	b = b[n:]

	subspace, n, err := s.Subspace.Decode(b)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: subspace: %v", ErrMalformedEntry, err)
	}
	e.Subspace = subspace
	b = b[n:]

	if len(b) < 2 {
		return Entry{}, fmt.Errorf("%w: missing path length", ErrMalformedEntry)
	}
	pathLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]

	if len(b) < pathLen+16 {
		return Entry{}, fmt.Errorf("%w: truncated body", ErrMalformedEntry)
	}

	e.Path, err = DecodePath(b[:pathLen])
	if err != nil {
		return Entry{}, err
	}
	b = b[pathLen:]

	e.Timestamp = binary.BigEndian.Uint64(b)
	e.PayloadLength = binary.BigEndian.Uint64(b[8:])
	b = b[16:]

	digest, _, err := s.Payload.Decode(b)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: payload digest: %v", ErrMalformedEntry, err)
	}
	e.PayloadDigest = digest

	return e, nil
}

// validatePath enforces the path scheme's limits.
func validatePath(s PathScheme, p Path) error {
	if len(p) > s.MaxComponentCount() {
		return fmt.Errorf("%w: %d components, max %d", ErrPathTooLarge, len(p), s.MaxComponentCount())
	}
	for _, comp := range p {
		if len(comp) > s.MaxComponentLength() {
			return fmt.Errorf("%w: component of %d bytes, max %d", ErrPathTooLarge, len(comp), s.MaxComponentLength())
		}
	}
	if total := p.TotalLength(); total > s.MaxTotalLength() {
		return fmt.Errorf("%w: %d total bytes, max %d", ErrPathTooLarge, total, s.MaxTotalLength())
	}
	return nil
}
