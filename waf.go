package replikv

import (
	"fmt"

	"github.com/calvinalkan/replikv/pkg/kv"
)

// Driver key atoms for the write-ahead flag.
var (
	wafKeyPrefix  = []byte("waf")
	wafInsertAtom = []byte("insert")
	wafTokenAtom  = []byte("auth_token_hash")
	wafRemoveAtom = []byte("remove")
)

// writeAheadFlag is the minimal redo log for the single in-flight insert
// and/or remove: at most one of each may be pending at a time. The replica
// flags an intent before touching the indexes and clears it after, so a
// crash in between is fully replayable at the next construction.
type writeAheadFlag struct {
	driver  kv.Driver
	schemes Schemes
}

func newWriteAheadFlag(driver kv.Driver, schemes Schemes) *writeAheadFlag {
	return &writeAheadFlag{driver: driver, schemes: schemes}
}

func (w *writeAheadFlag) insertKey() kv.Key {
	return kv.MakeKey(wafKeyPrefix, wafInsertAtom)
}

func (w *writeAheadFlag) tokenKey() kv.Key {
	return kv.MakeKey(wafKeyPrefix, wafInsertAtom, wafTokenAtom)
}

func (w *writeAheadFlag) removeKey() kv.Key {
	return kv.MakeKey(wafKeyPrefix, wafRemoveAtom)
}

// FlagInsertion records the intent to insert entry with the given
// auth-token digest. Both rows commit in one batch.
func (w *writeAheadFlag) FlagInsertion(e Entry, tokenDigest []byte) error {
	batch := w.driver.Batch()
	batch.Set(w.insertKey(), EncodeEntry(w.schemes, e))
	batch.Set(w.tokenKey(), w.schemes.Payload.Encode(tokenDigest))

	err := batch.Commit()
	if err != nil {
		return fmt.Errorf("flag insertion: %w", err)
	}

	return nil
}

// UnflagInsertion clears the pending insert.
func (w *writeAheadFlag) UnflagInsertion() error {
	batch := w.driver.Batch()
	batch.Delete(w.insertKey())
	batch.Delete(w.tokenKey())

	err := batch.Commit()
	if err != nil {
		return fmt.Errorf("unflag insertion: %w", err)
	}

	return nil
}

// WasInserting reports a pending insert, if any, with its auth-token
// digest.
func (w *writeAheadFlag) WasInserting() (Entry, []byte, bool, error) {
	raw, found, err := w.driver.Get(w.insertKey())
	if err != nil || !found {
		return Entry{}, nil, false, err
	}

	e, err := DecodeEntry(w.schemes, raw)
	if err != nil {
		return Entry{}, nil, false, fmt.Errorf("pending insert: %w", err)
	}

	rawDigest, found, err := w.driver.Get(w.tokenKey())
	if err != nil {
		return Entry{}, nil, false, err
	}
	if !found {
		return Entry{}, nil, false, fmt.Errorf("pending insert: %w: missing token digest", ErrMalformedEntry)
	}

	tokenDigest, _, err := w.schemes.Payload.Decode(rawDigest)
	if err != nil {
		return Entry{}, nil, false, fmt.Errorf("pending insert: token digest: %w", err)
	}

	return e, tokenDigest, true, nil
}

// FlagRemoval records the intent to remove entry.
func (w *writeAheadFlag) FlagRemoval(e Entry) error {
	err := w.driver.Set(w.removeKey(), EncodeEntry(w.schemes, e))
	if err != nil {
		return fmt.Errorf("flag removal: %w", err)
	}

	return nil
}

// UnflagRemoval clears the pending remove.
func (w *writeAheadFlag) UnflagRemoval() error {
	err := w.driver.Delete(w.removeKey())
	if err != nil {
		return fmt.Errorf("unflag removal: %w", err)
	}

	return nil
}

// WasRemoving reports a pending remove, if any.
func (w *writeAheadFlag) WasRemoving() (Entry, bool, error) {
	raw, found, err := w.driver.Get(w.removeKey())
	if err != nil || !found {
		return Entry{}, false, err
	}

	e, err := DecodeEntry(w.schemes, raw)
	if err != nil {
		return Entry{}, false, fmt.Errorf("pending removal: %w", err)
	}

	return e, true, nil
}
