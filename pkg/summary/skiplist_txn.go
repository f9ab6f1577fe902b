package summary

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/calvinalkan/replikv/pkg/kv"
)

// slTxn overlays pending node writes and deletes on top of the driver so
// segment labels can be rebuilt bottom-up with read-your-writes semantics,
// then flushed in one atomic batch.
type slTxn[F any] struct {
	s       *SkipList[F]
	pending map[int]map[string]slRecord[F]
	deleted map[int]map[string]bool
}

func newSLTxn[F any](s *SkipList[F]) *slTxn[F] {
	return &slTxn[F]{
		s:       s,
		pending: make(map[int]map[string]slRecord[F]),
		deleted: make(map[int]map[string]bool),
	}
}

func (tx *slTxn[F]) stage(layer int, key []byte, rec slRecord[F]) {
	if tx.pending[layer] == nil {
		tx.pending[layer] = make(map[string]slRecord[F])
	}
	tx.pending[layer][string(key)] = rec
	delete(tx.deleted[layer], string(key))
}

func (tx *slTxn[F]) unstage(layer int, key []byte) {
	if tx.deleted[layer] == nil {
		tx.deleted[layer] = make(map[string]bool)
	}
	tx.deleted[layer][string(key)] = true
	delete(tx.pending[layer], string(key))
}

func (tx *slTxn[F]) get(layer int, key []byte) (slRecord[F], bool, error) {
	if rec, ok := tx.pending[layer][string(key)]; ok {
		return rec, true, nil
	}
	if tx.deleted[layer][string(key)] {
		return slRecord[F]{}, false, nil
	}

	return tx.s.getRecord(layer, key)
}

// pendingKeysIn returns pending keys at layer inside [start, end), sorted.
func (tx *slTxn[F]) pendingKeysIn(layer int, start, end []byte) []string {
	var keys []string
	for k := range tx.pending[layer] {
		kb := []byte(k)
		if start != nil && bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			continue
		}
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// nextAfter finds the first node at layer strictly after `after`,
// considering pending writes and deletes.
func (tx *slTxn[F]) nextAfter(layer int, after []byte) ([]byte, bool, error) {
	var driverNext []byte

	seek := append(bytes.Clone(after), 0x00)
	for {
		k, _, ok, err := tx.s.firstAtOrAfter(layer, seek)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		if !tx.deleted[layer][string(k)] {
			driverNext = k
			break
		}
		seek = append(bytes.Clone(k), 0x00)
	}

	var pendingNext []byte
	for k := range tx.pending[layer] {
		kb := []byte(k)
		if bytes.Compare(kb, after) <= 0 {
			continue
		}
		if pendingNext == nil || bytes.Compare(kb, pendingNext) < 0 {
			pendingNext = bytes.Clone(kb)
		}
	}

	switch {
	case driverNext == nil && pendingNext == nil:
		return nil, false, nil
	case driverNext == nil:
		return pendingNext, true, nil
	case pendingNext == nil:
		return driverNext, true, nil
	case bytes.Compare(pendingNext, driverNext) < 0:
		return pendingNext, true, nil
	default:
		return driverNext, true, nil
	}
}

// combineSegment folds label and count over the nodes of layer in
// [start, end), merging driver state with the overlay.
func (tx *slTxn[F]) combineSegment(layer int, start, end []byte) (F, uint64, error) {
	acc := tx.s.monoid.Neutral

	var count uint64

	add := func(rec slRecord[F]) {
		acc = tx.s.monoid.Combine(acc, rec.label)
		count += rec.count
	}

	pendingKeys := tx.pendingKeysIn(layer, start, end)

	dr := tx.s.layerRange(layer)
	if start != nil {
		dr.Start = tx.s.nodeKey(layer, start)
	}
	if end != nil {
		dr.End = tx.s.nodeKey(layer, end)
	}

	it := tx.s.driver.List(dr, kv.ListOptions{})
	defer it.Release()

	for it.Next() {
		k := tx.s.nodeKeyBytes(it.Key())

		for len(pendingKeys) > 0 && bytes.Compare([]byte(pendingKeys[0]), k) < 0 {
			add(tx.pending[layer][pendingKeys[0]])
			pendingKeys = pendingKeys[1:]
		}

		if len(pendingKeys) > 0 && pendingKeys[0] == string(k) {
			add(tx.pending[layer][pendingKeys[0]])
			pendingKeys = pendingKeys[1:]
			continue
		}

		if tx.deleted[layer][string(k)] {
			continue
		}

		rec, err := tx.s.decodeRecord(it.Value())
		if err != nil {
			return acc, 0, err
		}

		add(rec)
	}

	if err := it.Err(); err != nil {
		return acc, 0, err
	}

	for _, k := range pendingKeys {
		add(tx.pending[layer][k])
	}

	return acc, count, nil
}

// refreshPredecessor rebuilds the label of the nearest node before key at
// layer, whose segment either changed bounds or changed contents.
func (tx *slTxn[F]) refreshPredecessor(layer int, key []byte) error {
	pk, ok, err := tx.s.lastBefore(layer, key)
	if err != nil || !ok {
		return err
	}

	end, _, err := tx.nextAfter(layer, pk)
	if err != nil {
		return err
	}

	label, count, err := tx.combineSegment(layer-1, pk, end)
	if err != nil {
		return err
	}

	rec, found, err := tx.get(layer, pk)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: predecessor vanished at layer %d", ErrCorruptRecord, layer)
	}

	rec.label = label
	rec.count = count
	tx.stage(layer, pk, rec)

	return nil
}

func (tx *slTxn[F]) commit() error {
	batch := tx.s.driver.Batch()

	for layer, keys := range tx.deleted {
		for k := range keys {
			batch.Delete(tx.s.nodeKey(layer, []byte(k)))
		}
	}
	for layer, recs := range tx.pending {
		for k, rec := range recs {
			batch.Set(tx.s.nodeKey(layer, []byte(k)), tx.s.encodeRecord(rec))
		}
	}

	return batch.Commit()
}
