// Package leveldbkv implements the kv.Driver contract on top of goleveldb.
//
// Key tuples are flattened to a single byte string with an order-preserving
// escape coding (0x00 becomes 0x00 0x01, every atom is terminated by
// 0x00 0x00), so tuple order under kv.Compare matches leveldb's native byte
// order and range scans need no filtering.
package leveldbkv

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/calvinalkan/replikv/pkg/kv"
)

// Store adapts a *leveldb.DB to kv.Driver.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbkv: open %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens a database backed by in-process storage. Intended for
// tests and ephemeral replicas.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbkv: open memory storage: %w", err)
	}

	return &Store{db: db}, nil
}

// EncodeKey flattens a key tuple to its order-preserving byte form.
func EncodeKey(k kv.Key) []byte {
	var out []byte
	for _, atom := range k {
		for _, b := range atom {
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

// DecodeKey reverses EncodeKey.
func DecodeKey(b []byte) (kv.Key, error) {
	var (
		key  kv.Key
		atom []byte
	)

	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != 0x00 {
			atom = append(atom, c)
			continue
		}

		if i+1 >= len(b) {
			return nil, errors.New("leveldbkv: truncated escape sequence")
		}

		i++
		switch b[i] {
		case 0x00:
			key = append(key, atom)
			atom = nil
		case 0x01:
			atom = append(atom, 0x00)
		default:
			return nil, fmt.Errorf("leveldbkv: invalid escape byte 0x%02x", b[i])
		}
	}

	if len(atom) != 0 {
		return nil, errors.New("leveldbkv: unterminated atom")
	}

	return key, nil
}

func encodeRange(r kv.Range) *util.Range {
	if r.Start == nil && r.End == nil {
		return nil
	}

	out := &util.Range{}
	if r.Start != nil {
		out.Start = EncodeKey(r.Start)
	}
	if r.End != nil {
		out.Limit = EncodeKey(r.End)
	}
	return out
}

func (s *Store) Get(key kv.Key) ([]byte, bool, error) {
	v, err := s.db.Get(EncodeKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leveldbkv: get: %w", err)
	}

	return v, true, nil
}

func (s *Store) Set(key kv.Key, value []byte) error {
	err := s.db.Put(EncodeKey(key), value, nil)
	if err != nil {
		return fmt.Errorf("leveldbkv: put: %w", err)
	}

	return nil
}

func (s *Store) Delete(key kv.Key) error {
	err := s.db.Delete(EncodeKey(key), nil)
	if err != nil {
		return fmt.Errorf("leveldbkv: delete: %w", err)
	}

	return nil
}

func (s *Store) List(r kv.Range, opts kv.ListOptions) kv.Iterator {
	return &iterator{
		inner:   s.db.NewIterator(encodeRange(r), nil),
		reverse: opts.Reverse,
		limit:   opts.Limit,
	}
}

func (s *Store) Clear(r kv.Range) error {
	it := s.db.NewIterator(encodeRange(r), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("leveldbkv: clear scan: %w", err)
	}

	err := s.db.Write(batch, nil)
	if err != nil {
		return fmt.Errorf("leveldbkv: clear write: %w", err)
	}

	return nil
}

func (s *Store) Batch() kv.Batch {
	return &batch{db: s.db, inner: new(leveldb.Batch)}
}

func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("leveldbkv: close: %w", err)
	}

	return nil
}

type batch struct {
	db    *leveldb.DB
	inner *leveldb.Batch
}

func (b *batch) Set(key kv.Key, value []byte) {
	b.inner.Put(EncodeKey(key), value)
}

func (b *batch) Delete(key kv.Key) {
	b.inner.Delete(EncodeKey(key))
}

func (b *batch) Commit() error {
	err := b.db.Write(b.inner, nil)
	if err != nil {
		return fmt.Errorf("leveldbkv: batch write: %w", err)
	}

	b.inner.Reset()

	return nil
}

// iterator adapts goleveldb's iterator, adding reverse traversal and a
// client-side limit. goleveldb reuses key/value buffers between positions,
// so both are copied before being handed out.
type iterator struct {
	inner   ldbIterator
	reverse bool
	limit   int

	started bool
	yielded int
	key     kv.Key
	value   []byte
	err     error
}

// ldbIterator is the subset of goleveldb's iterator.Iterator the wrapper
// needs; narrowed for testability.
type ldbIterator interface {
	First() bool
	Last() bool
	Next() bool
	Prev() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.limit > 0 && it.yielded >= it.limit {
		return false
	}

	var ok bool
	switch {
	case !it.started && it.reverse:
		ok = it.inner.Last()
	case !it.started:
		ok = it.inner.First()
	case it.reverse:
		ok = it.inner.Prev()
	default:
		ok = it.inner.Next()
	}
	it.started = true

	if !ok {
		it.err = it.inner.Error()
		return false
	}

	key, err := DecodeKey(it.inner.Key())
	if err != nil {
		it.err = err
		return false
	}

	it.key = key
	it.value = append([]byte(nil), it.inner.Value()...)
	it.yielded++

	return true
}

func (it *iterator) Key() kv.Key { return it.key }

func (it *iterator) Value() []byte { return it.value }

func (it *iterator) Err() error { return it.err }

func (it *iterator) Release() { it.inner.Release() }
