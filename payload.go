package replikv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/calvinalkan/replikv/pkg/kv"
)

// ErrUnknownPayload reports an erase for a digest the store does not hold.
// Callers should use errors.Is(err, ErrUnknownPayload).
var ErrUnknownPayload = errors.New("replikv: unknown payload digest")

// Payload exposes stored payload bytes both fully and as a stream.
type Payload struct {
	data []byte
}

// Bytes returns the full payload.
func (p *Payload) Bytes() []byte { return p.data }

// Reader streams the payload from start.
func (p *Payload) Reader() io.Reader { return bytes.NewReader(p.data) }

// ReaderAt streams the payload from the given offset.
func (p *Payload) ReaderAt(offset uint64) io.Reader {
	if offset > uint64(len(p.data)) {
		offset = uint64(len(p.data))
	}
	return bytes.NewReader(p.data[offset:])
}

// Length is the payload size in bytes.
func (p *Payload) Length() uint64 { return uint64(len(p.data)) }

// StagedPayload is a payload that has been digested but not yet committed.
// Exactly one of Commit or Reject must be called.
type StagedPayload struct {
	Digest []byte
	Length uint64

	commit func() error
	reject func() error
}

// Commit atomically makes the staged payload retrievable by its digest.
func (s *StagedPayload) Commit() error { return s.commit() }

// Reject discards the staged bytes.
func (s *StagedPayload) Reject() error { return s.reject() }

// PayloadStore holds payload and token bytes keyed by digest. Stored
// entries reference digests; the bytes themselves may be absent without
// invalidating the entry.
type PayloadStore interface {
	Get(digest []byte) (*Payload, bool, error)
	Stage(r io.Reader) (*StagedPayload, error)
	Erase(digest []byte) error
}

// MemPayloadStore is an in-process PayloadStore.
type MemPayloadStore struct {
	scheme PayloadScheme

	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemPayloadStore returns an empty in-memory store digesting with the
// given scheme.
func NewMemPayloadStore(scheme PayloadScheme) *MemPayloadStore {
	return &MemPayloadStore{scheme: scheme, blobs: make(map[string][]byte)}
}

func (m *MemPayloadStore) Get(digest []byte) (*Payload, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[string(digest)]
	if !ok {
		return nil, false, nil
	}

	return &Payload{data: bytes.Clone(data)}, true, nil
}

func (m *MemPayloadStore) Stage(r io.Reader) (*StagedPayload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("stage payload: %w", err)
	}

	digest, err := m.scheme.FromBytes(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("stage payload: digest: %w", err)
	}

	return &StagedPayload{
		Digest: digest,
		Length: uint64(len(data)),
		commit: func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.blobs[string(digest)] = data
			return nil
		},
		reject: func() error { return nil },
	}, nil
}

func (m *MemPayloadStore) Erase(digest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[string(digest)]; !ok {
		return fmt.Errorf("%w: %x", ErrUnknownPayload, digest)
	}

	delete(m.blobs, string(digest))

	return nil
}

// Driver key atoms for payload blobs and staging space.
var (
	payloadKeyPrefix = []byte("payload")
	stagingKeyPrefix = []byte("payload_staging")
)

// DriverPayloadStore persists payloads inside a kv driver. Blobs are
// snappy-compressed at rest under ("payload", digest); staged bytes live
// under ("payload_staging", id) until Commit moves them in one atomic
// batch. Stale staging rows from a crash are swept by [ClearStaging].
type DriverPayloadStore struct {
	driver kv.Driver
	scheme PayloadScheme
}

// NewDriverPayloadStore returns a store over the driver.
func NewDriverPayloadStore(driver kv.Driver, scheme PayloadScheme) *DriverPayloadStore {
	return &DriverPayloadStore{driver: driver, scheme: scheme}
}

// ClearStaging discards staged payloads left behind by a crash.
func (d *DriverPayloadStore) ClearStaging() error {
	return d.driver.Clear(kv.PrefixRange(kv.MakeKey(stagingKeyPrefix)))
}

func (d *DriverPayloadStore) Get(digest []byte) (*Payload, bool, error) {
	raw, found, err := d.driver.Get(kv.MakeKey(payloadKeyPrefix, digest))
	if err != nil || !found {
		return nil, false, err
	}

	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode payload %x: %w", digest, err)
	}

	return &Payload{data: data}, true, nil
}

func (d *DriverPayloadStore) Stage(r io.Reader) (*StagedPayload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("stage payload: %w", err)
	}

	digest, err := d.scheme.FromBytes(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("stage payload: digest: %w", err)
	}

	stagingKey := kv.MakeKey(stagingKeyPrefix, []byte(uuid.NewString()))

	err = d.driver.Set(stagingKey, snappy.Encode(nil, data))
	if err != nil {
		return nil, fmt.Errorf("stage payload: %w", err)
	}

	return &StagedPayload{
		Digest: digest,
		Length: uint64(len(data)),
		commit: func() error {
			raw, found, err := d.driver.Get(stagingKey)
			if err != nil {
				return fmt.Errorf("commit payload: %w", err)
			}
			if !found {
				return fmt.Errorf("commit payload: staged bytes vanished")
			}

			batch := d.driver.Batch()
			batch.Set(kv.MakeKey(payloadKeyPrefix, digest), raw)
			batch.Delete(stagingKey)

			return batch.Commit()
		},
		reject: func() error {
			return d.driver.Delete(stagingKey)
		},
	}, nil
}

func (d *DriverPayloadStore) Erase(digest []byte) error {
	key := kv.MakeKey(payloadKeyPrefix, digest)

	_, found, err := d.driver.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %x", ErrUnknownPayload, digest)
	}

	return d.driver.Delete(key)
}
