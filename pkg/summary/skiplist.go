package summary

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calvinalkan/replikv/pkg/kv"
)

// ErrCorruptRecord reports an undecodable skip-list node record.
// Callers should use errors.Is(err, ErrCorruptRecord).
var ErrCorruptRecord = errors.New("summary: corrupt skip list record")

// LabelCodec serialises fingerprints for persistence inside node records.
type LabelCodec[F any] struct {
	Encode func(F) []byte
	Decode func([]byte) (F, error)
}

// SkipList is the persistent Store implementation: a multi-level skip list
// whose nodes live in a kv driver under a fixed key prefix.
//
// Layout: (prefix, [layer], key) → (height, count, label, value), with the
// value present at layer 0 only. The record at (layer, k) summarises the
// segment [k, next key at layer), so Summarise can greedily combine the
// widest stored segments that fit the requested range.
//
// Tower heights are derived deterministically from the key bytes
// (geometric, capped), so re-inserting a key never changes the structure
// and crash-recovery replays are shape-stable.
//
// All mutation for one Insert or Remove goes through a single driver batch.
type SkipList[F any] struct {
	driver kv.Driver
	prefix kv.Key
	monoid Monoid[F]
	codec  LabelCodec[F]
}

// NewSkipList returns a skip list over the driver key space below prefix.
func NewSkipList[F any](driver kv.Driver, prefix kv.Key, m Monoid[F], codec LabelCodec[F]) *SkipList[F] {
	return &SkipList[F]{driver: driver, prefix: prefix.Clone(), monoid: m, codec: codec}
}

type slRecord[F any] struct {
	height int
	count  uint64
	label  F
	value  []byte
}

func (s *SkipList[F]) encodeRecord(r slRecord[F]) []byte {
	label := s.codec.Encode(r.label)

	out := make([]byte, 0, 13+len(label)+len(r.value))
	out = append(out, byte(r.height))
	out = binary.BigEndian.AppendUint64(out, r.count)
	out = binary.BigEndian.AppendUint32(out, uint32(len(label)))
	out = append(out, label...)
	out = append(out, r.value...)
	return out
}

func (s *SkipList[F]) decodeRecord(b []byte) (slRecord[F], error) {
	if len(b) < 13 {
		return slRecord[F]{}, fmt.Errorf("%w: %d byte record", ErrCorruptRecord, len(b))
	}

	height := int(b[0])
	count := binary.BigEndian.Uint64(b[1:9])
	labelLen := int(binary.BigEndian.Uint32(b[9:13]))

	if len(b) < 13+labelLen {
		return slRecord[F]{}, fmt.Errorf("%w: label overruns record", ErrCorruptRecord)
	}

	label, err := s.codec.Decode(b[13 : 13+labelLen])
	if err != nil {
		return slRecord[F]{}, fmt.Errorf("%w: decode label: %v", ErrCorruptRecord, err)
	}

	return slRecord[F]{
		height: height,
		count:  count,
		label:  label,
		value:  bytes.Clone(b[13+labelLen:]),
	}, nil
}

func (s *SkipList[F]) nodeKey(layer int, key []byte) kv.Key {
	return s.prefix.Append([]byte{byte(layer)}, key)
}

func (s *SkipList[F]) layerRange(layer int) kv.Range {
	return kv.PrefixRange(s.prefix.Append([]byte{byte(layer)}))
}

// nodeKeyBytes extracts the skip-list key from a full driver key.
func (s *SkipList[F]) nodeKeyBytes(k kv.Key) []byte {
	return k[len(s.prefix)+1]
}

func (s *SkipList[F]) getRecord(layer int, key []byte) (slRecord[F], bool, error) {
	raw, found, err := s.driver.Get(s.nodeKey(layer, key))
	if err != nil || !found {
		return slRecord[F]{}, false, err
	}

	rec, err := s.decodeRecord(raw)
	if err != nil {
		return slRecord[F]{}, false, err
	}

	return rec, true, nil
}

// firstAtOrAfter finds the first node at layer with key >= from (from nil
// means the start of the layer).
func (s *SkipList[F]) firstAtOrAfter(layer int, from []byte) ([]byte, slRecord[F], bool, error) {
	r := s.layerRange(layer)
	if from != nil {
		r.Start = s.nodeKey(layer, from)
	}

	it := s.driver.List(r, kv.ListOptions{Limit: 1})
	defer it.Release()

	if !it.Next() {
		return nil, slRecord[F]{}, false, it.Err()
	}

	rec, err := s.decodeRecord(it.Value())
	if err != nil {
		return nil, slRecord[F]{}, false, err
	}

	return bytes.Clone(s.nodeKeyBytes(it.Key())), rec, true, nil
}

// nextKeyAt finds the first node at layer strictly after key.
func (s *SkipList[F]) nextKeyAt(layer int, key []byte) ([]byte, bool, error) {
	k, _, ok, err := s.firstAtOrAfter(layer, append(bytes.Clone(key), 0x00))
	return k, ok, err
}

// lastBefore finds the last node at layer strictly before key.
func (s *SkipList[F]) lastBefore(layer int, key []byte) ([]byte, bool, error) {
	r := s.layerRange(layer)
	r.End = s.nodeKey(layer, key)

	it := s.driver.List(r, kv.ListOptions{Reverse: true, Limit: 1})
	defer it.Release()

	if !it.Next() {
		return nil, false, it.Err()
	}

	return bytes.Clone(s.nodeKeyBytes(it.Key())), true, nil
}

// topLayer reports the highest populated layer, or -1 when empty.
func (s *SkipList[F]) topLayer() (int, error) {
	it := s.driver.List(kv.PrefixRange(s.prefix), kv.ListOptions{Reverse: true, Limit: 1})
	defer it.Release()

	if !it.Next() {
		return -1, it.Err()
	}

	layerAtom := it.Key()[len(s.prefix)]
	if len(layerAtom) != 1 {
		return -1, fmt.Errorf("%w: bad layer atom", ErrCorruptRecord)
	}

	return int(layerAtom[0]), nil
}

func (s *SkipList[F]) Get(key []byte) ([]byte, bool, error) {
	rec, found, err := s.getRecord(0, key)
	if err != nil || !found {
		return nil, false, err
	}

	return rec.value, true, nil
}

func (s *SkipList[F]) Insert(key, value []byte) error {
	rec0, exists, err := s.getRecord(0, key)
	if err != nil {
		return err
	}

	height := keyLevel(key)
	if exists {
		height = rec0.height
	}

	top, err := s.topLayer()
	if err != nil {
		return err
	}
	if height-1 > top {
		top = height - 1
	}

	tx := newSLTxn(s)

	tx.stage(0, key, slRecord[F]{
		height: height,
		count:  1,
		label:  s.monoid.Lift(key, value),
		value:  bytes.Clone(value),
	})

	// Rebuild affected segment labels bottom-up: at each layer first the
	// tower node itself (for layers it occupies), then the left neighbour
	// whose segment either shrank or absorbed the new key.
	for layer := 1; layer <= top; layer++ {
		if layer < height {
			end, _, err := tx.nextAfter(layer, key)
			if err != nil {
				return err
			}

			label, count, err := tx.combineSegment(layer-1, key, end)
			if err != nil {
				return err
			}

			tx.stage(layer, key, slRecord[F]{height: height, count: count, label: label})
		}

		err = tx.refreshPredecessor(layer, key)
		if err != nil {
			return err
		}
	}

	return tx.commit()
}

func (s *SkipList[F]) Remove(key []byte) (bool, error) {
	rec0, exists, err := s.getRecord(0, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	top, err := s.topLayer()
	if err != nil {
		return false, err
	}

	tx := newSLTxn(s)

	for layer := range rec0.height {
		tx.unstage(layer, key)
	}

	for layer := 1; layer <= top; layer++ {
		err = tx.refreshPredecessor(layer, key)
		if err != nil {
			return false, err
		}
	}

	err = tx.commit()
	if err != nil {
		return false, err
	}

	return true, nil
}

func (s *SkipList[F]) Entries(lower, upper []byte, opts IterOptions) (Iterator, error) {
	ranges := subRanges(lower, upper)

	ordered := make([][2][]byte, len(ranges))
	copy(ordered, ranges)
	if opts.Reverse {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	parts := make([]Iterator, 0, len(ordered))
	for _, r := range ordered {
		dr := s.layerRange(0)
		if r[0] != nil {
			dr.Start = s.nodeKey(0, r[0])
		}
		if r[1] != nil {
			dr.End = s.nodeKey(0, r[1])
		}

		parts = append(parts, &slIterator[F]{
			list:  s,
			inner: s.driver.List(dr, kv.ListOptions{Reverse: opts.Reverse}),
		})
	}

	return newChainIterator(parts, opts.Limit), nil
}

func (s *SkipList[F]) AllEntries(opts IterOptions) (Iterator, error) {
	return s.Entries(nil, nil, opts)
}

func (s *SkipList[F]) Summarise(lower, upper []byte) (Summary[F], error) {
	switch classifyRange(lower, upper) {
	case rangeFull:
		fp, count, err := s.summarizeForward(nil, nil)
		return Summary[F]{Fingerprint: fp, Size: count}, err
	case rangeWrapped:
		lowFp, lowCount, err := s.summarizeForward(nil, upper)
		if err != nil {
			return Summary[F]{}, err
		}
		highFp, highCount, err := s.summarizeForward(lower, nil)
		if err != nil {
			return Summary[F]{}, err
		}
		return Summary[F]{Fingerprint: s.monoid.Combine(lowFp, highFp), Size: lowCount + highCount}, nil
	default:
		fp, count, err := s.summarizeForward(lower, upper)
		return Summary[F]{Fingerprint: fp, Size: count}, err
	}
}

// summarizeForward walks from the first key >= lower, at each step taking
// the highest stored segment that ends at or before upper, so long runs
// cost one cached label instead of one lift per key.
func (s *SkipList[F]) summarizeForward(lower, upper []byte) (F, uint64, error) {
	acc := s.monoid.Neutral

	var total uint64

	cur, rec, ok, err := s.firstAtOrAfter(0, lower)
	if err != nil {
		return acc, 0, err
	}

	for ok && (upper == nil || bytes.Compare(cur, upper) < 0) {
		advanced := false

		for layer := rec.height - 1; layer >= 0; layer-- {
			end, endOK, err := s.nextKeyAt(layer, cur)
			if err != nil {
				return acc, 0, err
			}

			fits := endOK && (upper == nil || bytes.Compare(end, upper) <= 0)
			if !endOK && upper == nil {
				fits = true
			}
			if layer == 0 {
				// A layer-0 segment is the single key cur, which is known
				// to be inside the range.
				fits = true
			}
			if !fits {
				continue
			}

			layerRec := rec
			if layer > 0 {
				layerRec, _, err = s.getRecord(layer, cur)
				if err != nil {
					return acc, 0, err
				}
			}

			acc = s.monoid.Combine(acc, layerRec.label)
			total += layerRec.count

			if !endOK {
				return acc, total, nil
			}

			cur = end
			rec, ok, err = s.getRecord(0, cur)
			if err != nil {
				return acc, 0, err
			}
			if !ok {
				return acc, 0, fmt.Errorf("%w: dangling segment end", ErrCorruptRecord)
			}

			advanced = true

			break
		}

		if !advanced {
			break
		}
	}

	return acc, total, nil
}

// slIterator yields layer-0 records as entries.
type slIterator[F any] struct {
	list  *SkipList[F]
	inner kv.Iterator
	key   []byte
	value []byte
	err   error
}

func (it *slIterator[F]) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.inner.Next() {
		it.err = it.inner.Err()
		return false
	}

	rec, err := it.list.decodeRecord(it.inner.Value())
	if err != nil {
		it.err = err
		return false
	}

	it.key = bytes.Clone(it.list.nodeKeyBytes(it.inner.Key()))
	it.value = rec.value

	return true
}

func (it *slIterator[F]) Key() []byte { return it.key }

func (it *slIterator[F]) Value() []byte { return it.value }

func (it *slIterator[F]) Err() error { return it.err }

func (it *slIterator[F]) Release() { it.inner.Release() }
