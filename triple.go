package replikv

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/replikv/pkg/kv"
	"github.com/calvinalkan/replikv/pkg/summary"
)

// Driver key atoms for the three entry orderings.
var (
	entriesKeyPrefix = []byte("entries")

	orderAtoms = map[QueryOrder][]byte{
		OrderSubspace:  []byte("spt"),
		OrderPath:      []byte("pts"),
		OrderTimestamp: []byte("tsp"),
	}
)

// TripleStore maintains three summarisable storages over the same multiset
// of entries, keyed by subspace-path-timestamp, path-timestamp-subspace and
// timestamp-subspace-path respectively. Range queries pick the storage
// matching the requested order and filter on the other two dimensions;
// summaries fold contiguous runs through the storage's cached labels.
type TripleStore struct {
	namespace []byte
	schemes   Schemes
	stores    map[QueryOrder]summary.Store[[]byte]
}

// NewTripleStore builds the three storages under the driver prefixes
// ("entries", "spt"|"pts"|"tsp").
func NewTripleStore(driver kv.Driver, namespace []byte, schemes Schemes) *TripleStore {
	t := &TripleStore{
		namespace: bytes.Clone(namespace),
		schemes:   schemes,
		stores:    make(map[QueryOrder]summary.Store[[]byte], 3),
	}

	codec := summary.LabelCodec[[]byte]{
		Encode: func(f []byte) []byte { return f },
		Decode: func(b []byte) ([]byte, error) { return bytes.Clone(b), nil },
	}

	for order, atom := range orderAtoms {
		t.stores[order] = summary.NewSkipList(
			driver,
			kv.MakeKey(entriesKeyPrefix, atom),
			t.monoid(order),
			codec,
		)
	}

	return t
}

// monoid lifts indexed rows into the fingerprint scheme's domain.
func (t *TripleStore) monoid(order QueryOrder) summary.Monoid[[]byte] {
	return summary.Monoid[[]byte]{
		Neutral: t.schemes.Fingerprint.Neutral(),
		Lift: func(key, value []byte) []byte {
			e, _, err := t.decodeIndexed(order, key, value)
			if err != nil {
				return t.schemes.Fingerprint.Neutral()
			}
			return t.schemes.Fingerprint.LiftSingleton(e)
		},
		Combine: t.schemes.Fingerprint.Combine,
	}
}

// indexKey builds the storage key for an entry in the given ordering.
func (t *TripleStore) indexKey(order QueryOrder, e Entry) []byte {
	encS := t.schemes.Subspace.Encode(e.Subspace)
	encP := EncodePath(e.Path)
	ts := be64(e.Timestamp)

	var out []byte
	switch order {
	case OrderSubspace:
		out = append(append(append(out, encS...), encP...), ts...)
	case OrderPath:
		out = append(append(append(out, encP...), ts...), encS...)
	case OrderTimestamp:
		out = append(append(append(out, ts...), encS...), encP...)
	}
	return out
}

// encodeIndexValue packs the per-row value: the encoded path length (which
// delimits the path inside composite keys), the payload length, and the
// scheme-encoded payload and auth-token digests.
func (t *TripleStore) encodeIndexValue(e Entry, tokenDigest []byte) []byte {
	var out []byte
	out = binary.BigEndian.AppendUint16(out, uint16(len(EncodePath(e.Path))))
	out = binary.BigEndian.AppendUint64(out, e.PayloadLength)
	out = append(out, t.schemes.Payload.Encode(e.PayloadDigest)...)
	out = append(out, t.schemes.Payload.Encode(tokenDigest)...)
	return out
}

// decodeIndexed recovers the entry and its auth-token digest from a stored
// row of the given ordering.
func (t *TripleStore) decodeIndexed(order QueryOrder, key, value []byte) (Entry, []byte, error) {
	if len(value) < 10 {
		return Entry{}, nil, fmt.Errorf("%w: short index value", ErrMalformedEntry)
	}

	pathLen := int(binary.BigEndian.Uint16(value))
	payloadLen := binary.BigEndian.Uint64(value[2:])

	digest, n, err := t.schemes.Payload.Decode(value[10:])
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: payload digest: %v", ErrMalformedEntry, err)
	}

	tokenDigest, _, err := t.schemes.Payload.Decode(value[10+n:])
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: token digest: %v", ErrMalformedEntry, err)
	}

	var (
		encPath  []byte
		subspace []byte
		ts       uint64
	)

	switch order {
	case OrderSubspace:
		var consumed int
		subspace, consumed, err = t.schemes.Subspace.Decode(key)
		if err != nil {
			return Entry{}, nil, fmt.Errorf("%w: subspace: %v", ErrMalformedEntry, err)
		}
		if len(key) < consumed+pathLen+8 {
			return Entry{}, nil, fmt.Errorf("%w: short spt key", ErrMalformedEntry)
		}
		encPath = key[consumed : consumed+pathLen]
		ts = binary.BigEndian.Uint64(key[consumed+pathLen:])
	case OrderPath:
		if len(key) < pathLen+8 {
			return Entry{}, nil, fmt.Errorf("%w: short pts key", ErrMalformedEntry)
		}
		encPath = key[:pathLen]
		ts = binary.BigEndian.Uint64(key[pathLen:])
		subspace, _, err = t.schemes.Subspace.Decode(key[pathLen+8:])
		if err != nil {
			return Entry{}, nil, fmt.Errorf("%w: subspace: %v", ErrMalformedEntry, err)
		}
	case OrderTimestamp:
		if len(key) < 8 {
			return Entry{}, nil, fmt.Errorf("%w: short tsp key", ErrMalformedEntry)
		}
		ts = binary.BigEndian.Uint64(key)
		var consumed int
		subspace, consumed, err = t.schemes.Subspace.Decode(key[8:])
		if err != nil {
			return Entry{}, nil, fmt.Errorf("%w: subspace: %v", ErrMalformedEntry, err)
		}
		if len(key) < 8+consumed+pathLen {
			return Entry{}, nil, fmt.Errorf("%w: short tsp key", ErrMalformedEntry)
		}
		encPath = key[8+consumed : 8+consumed+pathLen]
	}

	path, err := DecodePath(encPath)
	if err != nil {
		return Entry{}, nil, err
	}

	return Entry{
		Namespace:     bytes.Clone(t.namespace),
		Subspace:      subspace,
		Path:          path,
		Timestamp:     ts,
		PayloadLength: payloadLen,
		PayloadDigest: digest,
	}, tokenDigest, nil
}

// Get returns the entry at exactly (subspace, path), with its auth-token
// digest, via a bounded scan of the subspace-ordered storage.
func (t *TripleStore) Get(subspace []byte, path Path) (Entry, []byte, bool, error) {
	base := append(t.schemes.Subspace.Encode(subspace), EncodePath(path)...)

	it, err := t.stores[OrderSubspace].Entries(base, bytesUpperBound(base), summary.IterOptions{})
	if err != nil {
		return Entry{}, nil, false, err
	}
	defer it.Release()

	for it.Next() {
		if !bytes.HasPrefix(it.Key(), base) {
			break
		}

		e, tokenDigest, err := t.decodeIndexed(OrderSubspace, it.Key(), it.Value())
		if err != nil {
			return Entry{}, nil, false, err
		}

		if ComparePaths(e.Path, path) == 0 {
			return e, tokenDigest, true, nil
		}
	}

	return Entry{}, nil, false, it.Err()
}

// Insert writes the entry under all three orderings.
func (t *TripleStore) Insert(e Entry, tokenDigest []byte) error {
	value := t.encodeIndexValue(e, tokenDigest)

	for order, store := range t.stores {
		err := store.Insert(t.indexKey(order, e), value)
		if err != nil {
			return fmt.Errorf("insert %s row: %w", orderAtoms[order], err)
		}
	}

	return nil
}

// Remove deletes the entry from all three orderings, reporting whether any
// row was present.
func (t *TripleStore) Remove(e Entry) (bool, error) {
	removed := false

	for order, store := range t.stores {
		ok, err := store.Remove(t.indexKey(order, e))
		if err != nil {
			return removed, fmt.Errorf("remove %s row: %w", orderAtoms[order], err)
		}
		removed = removed || ok
	}

	return removed, nil
}

// QueryOptions controls Query iteration.
type QueryOptions struct {
	Reverse  bool
	MaxCount uint64 // 0 means unlimited
	MaxSize  uint64 // cap on summed payload lengths; 0 means unlimited
}

// Query yields entries inside the area ordered by the chosen dimension.
func (t *TripleStore) Query(area Area, order QueryOrder, opts QueryOptions) (*EntryIterator, error) {
	lower, upper := t.queryBounds(area, order)

	inner, err := t.stores[order].Entries(lower, upper, summary.IterOptions{Reverse: opts.Reverse})
	if err != nil {
		return nil, err
	}

	return &EntryIterator{triple: t, order: order, area: area, opts: opts, inner: inner}, nil
}

// queryBounds restricts the chosen storage on its own leading dimension;
// the remaining dimensions are filtered row by row.
func (t *TripleStore) queryBounds(area Area, order QueryOrder) (lower, upper []byte) {
	switch order {
	case OrderSubspace:
		if area.Subspace == nil {
			return nil, nil
		}
		base := append(t.schemes.Subspace.Encode(area.Subspace), EncodePath(area.PathPrefix)...)
		return base, bytesUpperBound(base)
	case OrderPath:
		if len(area.PathPrefix) == 0 {
			return nil, nil
		}
		base := EncodePath(area.PathPrefix)
		return base, bytesUpperBound(base)
	default:
		if area.TimeStart == 0 && area.TimeEnd == 0 {
			return nil, nil
		}
		lower = be64(area.TimeStart)
		if area.TimeEnd != 0 {
			upper = be64(area.TimeEnd)
		}
		return lower, upper
	}
}

// Summarise fingerprints the entries of an area. The subspace-ordered
// storage is walked in reverse; contiguous runs of included entries are
// folded through the storage's cached labels instead of key by key, so the
// result is a pure function of the stored set.
//
// countLimit caps included entries and sizeLimit caps their summed payload
// lengths; zero means unlimited. An entry that would push past a limit
// ends the summary.
func (t *TripleStore) Summarise(area Area, countLimit, sizeLimit uint64) ([]byte, uint64, error) {
	var lower, upper []byte
	if area.Subspace != nil {
		base := append(t.schemes.Subspace.Encode(area.Subspace), EncodePath(area.PathPrefix)...)
		lower, upper = base, bytesUpperBound(base)
	}

	store := t.stores[OrderSubspace]

	it, err := store.Entries(lower, upper, summary.IterOptions{Reverse: true})
	if err != nil {
		return nil, 0, err
	}
	defer it.Release()

	fp := t.schemes.Fingerprint.Neutral()

	var (
		size         uint64
		included     uint64
		payloadBytes uint64
		runLow       []byte
		runHigh      []byte
	)

	flush := func() error {
		if runLow == nil {
			return nil
		}

		sum, err := store.Summarise(runLow, append(bytes.Clone(runHigh), 0x00))
		if err != nil {
			return err
		}

		fp = t.schemes.Fingerprint.Combine(fp, sum.Fingerprint)
		size += sum.Size
		runLow, runHigh = nil, nil

		return nil
	}

	for it.Next() {
		e, _, err := t.decodeIndexed(OrderSubspace, it.Key(), it.Value())
		if err != nil {
			return nil, 0, err
		}

		if !area.Includes(e) {
			if err := flush(); err != nil {
				return nil, 0, err
			}
			continue
		}

		if countLimit > 0 && included >= countLimit {
			break
		}
		if sizeLimit > 0 && payloadBytes+e.PayloadLength > sizeLimit {
			break
		}

		included++
		payloadBytes += e.PayloadLength

		if runLow == nil {
			runHigh = bytes.Clone(it.Key())
		}
		runLow = bytes.Clone(it.Key())
	}

	if err := it.Err(); err != nil {
		return nil, 0, err
	}

	if err := flush(); err != nil {
		return nil, 0, err
	}

	return fp, size, nil
}

// EntryIterator yields (entry, auth-token digest) pairs from a query.
type EntryIterator struct {
	triple *TripleStore
	order  QueryOrder
	area   Area
	opts   QueryOptions
	inner  summary.Iterator

	entry       Entry
	tokenDigest []byte
	yielded     uint64
	sizeSoFar   uint64
	err         error
}

func (it *EntryIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.opts.MaxCount > 0 && it.yielded >= it.opts.MaxCount {
		return false
	}

	for it.inner.Next() {
		e, tokenDigest, err := it.triple.decodeIndexed(it.order, it.inner.Key(), it.inner.Value())
		if err != nil {
			it.err = err
			return false
		}

		if !it.area.Includes(e) {
			continue
		}

		if it.opts.MaxSize > 0 && it.sizeSoFar+e.PayloadLength > it.opts.MaxSize {
			return false
		}

		it.entry = e
		it.tokenDigest = tokenDigest
		it.yielded++
		it.sizeSoFar += e.PayloadLength

		return true
	}

	it.err = it.inner.Err()

	return false
}

// Entry returns the current entry.
func (it *EntryIterator) Entry() Entry { return it.entry }

// TokenDigest returns the current entry's auth-token digest.
func (it *EntryIterator) TokenDigest() []byte { return it.tokenDigest }

func (it *EntryIterator) Err() error { return it.err }

func (it *EntryIterator) Release() { it.inner.Release() }

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// bytesUpperBound returns the smallest byte string greater than every
// string prefixed by b, or nil when unbounded.
func bytesUpperBound(b []byte) []byte {
	out := bytes.Clone(b)
	for len(out) > 0 {
		if out[len(out)-1] != 0xff {
			out[len(out)-1]++
			return out
		}
		out = out[:len(out)-1]
	}
	return nil
}
