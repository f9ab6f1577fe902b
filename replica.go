package replikv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/replikv/pkg/kv"
	"github.com/calvinalkan/replikv/pkg/radix"
)

// Driver key atom for the prefix index.
var prefixKeyPrefix = []byte("prefix")

// Outcome classifies how an ingestion ended. Policy rejections are
// outcomes, not errors: the replica already holds something that makes the
// incoming entry redundant.
type Outcome int

const (
	// OutcomeSuccess: the entry was stored.
	OutcomeSuccess Outcome = iota

	// OutcomeNewerPrefixFound: a same-subspace entry on a prefixing path
	// carries an equal or newer timestamp.
	OutcomeNewerPrefixFound

	// OutcomeObsoleteFromSameSubspace: the entry loses the supersession
	// tie-break against the stored entry at the same coordinates.
	OutcomeObsoleteFromSameSubspace

	// OutcomeAlreadyHaveIt: the payload for the coordinates is already
	// present.
	OutcomeAlreadyHaveIt
)

// IngestResult reports the outcome of Set, Ingest or IngestPayload.
type IngestResult struct {
	Outcome  Outcome
	Entry    Entry
	Token    []byte
	SourceID string
}

// SetInput describes a local write. A zero Timestamp means "now" in
// microseconds.
type SetInput struct {
	Subspace  []byte
	Path      Path
	Payload   []byte
	Timestamp uint64
}

// QueryResult pairs an entry with its auth token and payload bytes. The
// payload may be nil when its bytes are not (or not yet) held locally.
type QueryResult struct {
	Entry   Entry
	Token   []byte
	Payload *Payload
}

// Replica is the ingestion engine and query surface for one namespace.
//
// Ingestion is serialised end to end under an exclusive lock; queries share
// a read lock, so they never observe the intermediate states between the
// three index writes of one insert. Construction replays any write-ahead
// intent left by a crash before the replica accepts operations.
type Replica struct {
	namespace []byte
	schemes   Schemes
	driver    kv.Driver
	payloads  PayloadStore
	entries   *TripleStore
	prefixes  radix.Store
	waf       *writeAheadFlag
	log       *zap.SugaredLogger
	clock     func() uint64

	mu     sync.RWMutex
	closed bool

	subsMu sync.Mutex
	subs   []func(Event)
}

// Option adjusts replica construction.
type Option func(*Replica)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Replica) { r.log = log }
}

// WithClock overrides the microsecond clock used for Set inputs without a
// timestamp. Intended for tests.
func WithClock(clock func() uint64) Option {
	return func(r *Replica) { r.clock = clock }
}

// WithPayloadStore overrides the payload store. The default persists
// payloads inside the replica's own driver.
func WithPayloadStore(store PayloadStore) Option {
	return func(r *Replica) { r.payloads = store }
}

// Open constructs a replica for namespace over the driver, recovering any
// in-flight write from a previous crash before returning. Recovery is
// silent: no events fire for replayed work.
func Open(driver kv.Driver, namespace []byte, schemes Schemes, opts ...Option) (*Replica, error) {
	if err := schemes.validate(); err != nil {
		return nil, err
	}

	r := &Replica{
		namespace: bytes.Clone(namespace),
		schemes:   schemes,
		driver:    driver,
		entries:   NewTripleStore(driver, namespace, schemes),
		prefixes:  radix.NewTrieStore(driver, kv.MakeKey(prefixKeyPrefix)),
		waf:       newWriteAheadFlag(driver, schemes),
		log:       zap.NewNop().Sugar(),
		clock:     func() uint64 { return uint64(time.Now().UnixMicro()) },
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.payloads == nil {
		store := NewDriverPayloadStore(driver, schemes.Payload)
		if err := store.ClearStaging(); err != nil {
			return nil, fmt.Errorf("open replica: clear payload staging: %w", err)
		}
		r.payloads = store
	}

	if err := r.recover(); err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	return r, nil
}

// recover replays or discards the write-ahead flags. Index operations are
// upserts and deletes, so replaying a half-applied insert or remove is
// idempotent.
func (r *Replica) recover() error {
	pending, tokenDigest, wasInserting, err := r.waf.WasInserting()
	if err != nil {
		return err
	}

	if wasInserting {
		_, tokenPresent, err := r.payloads.Get(tokenDigest)
		if err != nil {
			return err
		}

		if tokenPresent {
			r.log.Infow("replaying pending insert", "timestamp", pending.Timestamp)

			err = r.insertEntry(pending, nil, tokenDigest, nil)
			if err != nil {
				return fmt.Errorf("replay pending insert: %w", err)
			}
		} else {
			// The token never committed, so the insert never reached its
			// point of no return.
			r.log.Infow("discarding pending insert without committed token")

			err = r.waf.UnflagInsertion()
			if err != nil {
				return err
			}
		}
	}

	victim, wasRemoving, err := r.waf.WasRemoving()
	if err != nil {
		return err
	}

	if wasRemoving {
		r.log.Infow("replaying pending removal", "timestamp", victim.Timestamp)

		err = r.completeRemoval(victim, nil)
		if err != nil {
			return fmt.Errorf("replay pending removal: %w", err)
		}
	}

	return nil
}

// Close releases the replica and its driver.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true

	return r.driver.Close()
}

// subspacePrefixKey is the prefix-index key of an entry: the encoded
// subspace followed by the encoded path, so one stored key byte-prefixes
// another exactly when the entries share a subspace and the first path
// prefixes the second.
func (r *Replica) subspacePrefixKey(subspace []byte, path Path) []byte {
	return append(r.schemes.Subspace.Encode(subspace), EncodePath(path)...)
}

// decodeSubspacePrefixKey reverses subspacePrefixKey.
func (r *Replica) decodeSubspacePrefixKey(key []byte) (subspace []byte, path Path, err error) {
	subspace, consumed, err := r.schemes.Subspace.Decode(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: subspace: %v", ErrMalformedEntry, err)
	}

	path, err = DecodePath(key[consumed:])
	if err != nil {
		return nil, nil, err
	}

	return subspace, path, nil
}

// Set stages a payload, builds and authorises an entry, and ingests it.
// On success the payload commits and an EntryPayloadSetEvent fires; on any
// other outcome the staged payload is discarded.
func (r *Replica) Set(ctx context.Context, input SetInput, authOpts any) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}

	if err := validatePath(r.schemes.Path, input.Path); err != nil {
		return IngestResult{}, err
	}

	staged, err := r.payloads.Stage(bytes.NewReader(input.Payload))
	if err != nil {
		return IngestResult{}, err
	}

	timestamp := input.Timestamp
	if timestamp == 0 {
		timestamp = r.clock()
	}

	entry := Entry{
		Namespace:     bytes.Clone(r.namespace),
		Subspace:      bytes.Clone(input.Subspace),
		Path:          input.Path.Clone(),
		Timestamp:     timestamp,
		PayloadLength: staged.Length,
		PayloadDigest: staged.Digest,
	}

	token, err := r.schemes.Authorisation.Authorise(entry, authOpts)
	if err != nil {
		_ = staged.Reject()
		return IngestResult{}, fmt.Errorf("authorise: %w", err)
	}

	result, err := r.ingest(ctx, entry, token, "")
	if err != nil || result.Outcome != OutcomeSuccess {
		_ = staged.Reject()
		return result, err
	}

	err = staged.Commit()
	if err != nil {
		return result, fmt.Errorf("commit payload: %w", err)
	}

	r.emit(EntryPayloadSetEvent{Entry: entry, Token: token})

	return result, nil
}

// Ingest stores an authorised entry. sourceID names the external source
// the entry arrived from; it is empty for local writes. An
// EntryIngestEvent fires only for sourced ingestions.
func (r *Replica) Ingest(ctx context.Context, entry Entry, token []byte, sourceID string) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}

	return r.ingest(ctx, entry, token, sourceID)
}

func (r *Replica) ingest(ctx context.Context, entry Entry, token []byte, sourceID string) (IngestResult, error) {
	_ = ctx // cancellation is honoured only at the entry boundary

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return IngestResult{}, ErrClosed
	}

	if !r.schemes.Namespace.IsEqual(entry.Namespace, r.namespace) {
		return IngestResult{}, fmt.Errorf("%w: namespace mismatch", ErrInvalidEntry)
	}

	if !r.schemes.Authorisation.IsAuthorisedWrite(entry, token) {
		return IngestResult{}, fmt.Errorf("%w: unauthorised", ErrInvalidEntry)
	}

	// Newer-prefix check: an equal-or-newer entry on a prefixing path in
	// the same subspace dominates this one.
	prefixKey := r.subspacePrefixKey(entry.Subspace, entry.Path)

	newerPrefix, err := r.hasNewerPrefix(prefixKey, entry.Timestamp)
	if err != nil {
		return IngestResult{}, err
	}
	if newerPrefix {
		return IngestResult{Outcome: OutcomeNewerPrefixFound, Entry: entry}, nil
	}

	// Same-coordinate check: at most one entry may live at
	// (subspace, path); ties break by timestamp, then digest, then
	// payload length, larger winning throughout.
	other, otherTokenDigest, found, err := r.entries.Get(entry.Subspace, entry.Path)
	if err != nil {
		return IngestResult{}, err
	}

	if found {
		if r.loses(entry, other) {
			return IngestResult{Outcome: OutcomeObsoleteFromSameSubspace, Entry: entry}, nil
		}

		err = r.removeSuperseded(other, otherTokenDigest, entry.PayloadDigest)
		if err != nil {
			return IngestResult{}, err
		}
	}

	tokenDigest, err := r.schemes.Payload.FromBytes(bytes.NewReader(token))
	if err != nil {
		return IngestResult{}, fmt.Errorf("digest token: %w", err)
	}

	err = r.insertEntry(entry, token, tokenDigest, r.emit)
	if err != nil {
		return IngestResult{}, err
	}

	if sourceID != "" {
		r.emit(EntryIngestEvent{Entry: entry, Token: token, SourceID: sourceID})
	}

	return IngestResult{Outcome: OutcomeSuccess, Entry: entry, Token: token, SourceID: sourceID}, nil
}

// hasNewerPrefix reports whether a stored prefix of key carries a
// timestamp at or above ts.
func (r *Replica) hasNewerPrefix(key []byte, ts uint64) (bool, error) {
	it, err := r.prefixes.PrefixesOf(key)
	if err != nil {
		return false, err
	}
	defer it.Release()

	for it.Next() {
		if len(it.Value()) != 8 {
			return false, fmt.Errorf("%w: bad prefix timestamp", ErrMalformedEntry)
		}
		if binary.BigEndian.Uint64(it.Value()) >= ts {
			return true, nil
		}
	}

	return false, it.Err()
}

// loses applies the supersession tie-break: the incoming entry loses to
// the stored one on an older timestamp, then a smaller digest, then a
// smaller payload length.
func (r *Replica) loses(incoming, stored Entry) bool {
	if stored.Timestamp != incoming.Timestamp {
		return stored.Timestamp > incoming.Timestamp
	}

	if c := r.schemes.Payload.Order(incoming.PayloadDigest, stored.PayloadDigest); c != 0 {
		return c < 0
	}

	return incoming.PayloadLength < stored.PayloadLength
}

// removeSuperseded evicts the stored entry at the incoming entry's
// coordinates. Its payload and token bytes go with it unless the incoming
// entry references the same payload digest.
func (r *Replica) removeSuperseded(other Entry, otherTokenDigest, incomingDigest []byte) error {
	_, err := r.entries.Remove(other)
	if err != nil {
		return err
	}

	_, err = r.prefixes.Remove(r.subspacePrefixKey(other.Subspace, other.Path))
	if err != nil {
		return err
	}

	if r.schemes.Payload.Order(other.PayloadDigest, incomingDigest) != 0 {
		r.erasePayloadIfPresent(other.PayloadDigest)
	}
	r.erasePayloadIfPresent(otherTokenDigest)

	r.emit(EntryRemoveEvent{Entry: other})

	return nil
}

// insertEntry runs the atomic insert procedure: flag the intent, apply the
// index and token writes, sweep out older prefixed entries, unflag.
//
// token may be nil during crash replay, when its bytes are already
// committed. emit may be nil to suppress events (recovery is silent).
func (r *Replica) insertEntry(entry Entry, token []byte, tokenDigest []byte, emit func(Event)) error {
	err := r.waf.FlagInsertion(entry, tokenDigest)
	if err != nil {
		return err
	}

	prefixKey := r.subspacePrefixKey(entry.Subspace, entry.Path)

	var group errgroup.Group

	group.Go(func() error {
		return r.entries.Insert(entry, tokenDigest)
	})

	group.Go(func() error {
		return r.prefixes.Insert(prefixKey, be64(entry.Timestamp))
	})

	if token != nil {
		group.Go(func() error {
			staged, err := r.payloads.Stage(bytes.NewReader(token))
			if err != nil {
				return fmt.Errorf("stage token: %w", err)
			}
			return staged.Commit()
		})
	}

	err = group.Wait()
	if err != nil {
		return err
	}

	err = r.sweepPrefixed(entry, prefixKey, emit)
	if err != nil {
		return err
	}

	return r.waf.UnflagInsertion()
}

// sweepPrefixed evicts every older entry whose path the new entry
// prefixes, re-establishing newer-prefix dominance.
func (r *Replica) sweepPrefixed(entry Entry, prefixKey []byte, emit func(Event)) error {
	it, err := r.prefixes.PrefixedBy(prefixKey)
	if err != nil {
		return err
	}

	// Collect first: the evictions below mutate the structure being
	// iterated.
	var victims [][]byte

	for it.Next() {
		if len(it.Value()) != 8 {
			it.Release()
			return fmt.Errorf("%w: bad prefix timestamp", ErrMalformedEntry)
		}

		if binary.BigEndian.Uint64(it.Value()) < entry.Timestamp {
			victims = append(victims, bytes.Clone(it.Key()))
		}
	}

	err = it.Err()
	it.Release()
	if err != nil {
		return err
	}

	for _, v := range victims {
		subspace, path, err := r.decodeSubspacePrefixKey(v)
		if err != nil {
			return err
		}

		victim, tokenDigest, found, err := r.entries.Get(subspace, path)
		if err != nil {
			return err
		}
		if !found {
			// Dangling prefix row; drop it.
			_, err = r.prefixes.Remove(v)
			if err != nil {
				return err
			}
			continue
		}

		err = r.waf.FlagRemoval(victim)
		if err != nil {
			return err
		}

		err = r.completeRemoval(victim, tokenDigest)
		if err != nil {
			return err
		}

		if emit != nil {
			emit(EntryRemoveEvent{Entry: victim})
		}
	}

	return nil
}

// completeRemoval finishes a flagged removal: indexes, payload, token,
// prefix row, then the flag itself. Safe to replay: every step is a
// delete or an absence-tolerant erase.
func (r *Replica) completeRemoval(victim Entry, tokenDigest []byte) error {
	if tokenDigest == nil {
		// Replay path: recover the token digest from the index if the row
		// is still there.
		_, td, found, err := r.entries.Get(victim.Subspace, victim.Path)
		if err != nil {
			return err
		}
		if found {
			tokenDigest = td
		}
	}

	_, err := r.entries.Remove(victim)
	if err != nil {
		return err
	}

	r.erasePayloadIfPresent(victim.PayloadDigest)
	if tokenDigest != nil {
		r.erasePayloadIfPresent(tokenDigest)
	}

	// The prefix row is removed only while it still describes the victim;
	// a newer entry may have reclaimed the same coordinates since.
	prefixKey := r.subspacePrefixKey(victim.Subspace, victim.Path)

	v, found, err := r.prefixes.Get(prefixKey)
	if err != nil {
		return err
	}
	if found && len(v) == 8 && binary.BigEndian.Uint64(v) == victim.Timestamp {
		_, err = r.prefixes.Remove(prefixKey)
		if err != nil {
			return err
		}
	}

	return r.waf.UnflagRemoval()
}

func (r *Replica) erasePayloadIfPresent(digest []byte) {
	err := r.payloads.Erase(digest)
	if err != nil && !isUnknownPayload(err) {
		r.log.Warnw("erase payload", "error", err)
	}
}

// IngestPayload attaches payload bytes to an already-stored entry.
func (r *Replica) IngestPayload(ctx context.Context, subspace []byte, path Path, payload []byte) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return IngestResult{}, ErrClosed
	}

	entry, _, found, err := r.entries.Get(subspace, path)
	if err != nil {
		return IngestResult{}, err
	}
	if !found {
		return IngestResult{}, ErrNoEntry
	}

	_, have, err := r.payloads.Get(entry.PayloadDigest)
	if err != nil {
		return IngestResult{}, err
	}
	if have {
		return IngestResult{Outcome: OutcomeAlreadyHaveIt, Entry: entry}, nil
	}

	staged, err := r.payloads.Stage(bytes.NewReader(payload))
	if err != nil {
		return IngestResult{}, err
	}

	if r.schemes.Payload.Order(staged.Digest, entry.PayloadDigest) != 0 {
		_ = staged.Reject()
		return IngestResult{}, fmt.Errorf("%w: got %x", ErrMismatchedHash, staged.Digest)
	}

	err = staged.Commit()
	if err != nil {
		return IngestResult{}, err
	}

	r.emit(PayloadIngestEvent{Entry: entry})

	return IngestResult{Outcome: OutcomeSuccess, Entry: entry}, nil
}

// Query returns the entries of an area in the requested order, each with
// its auth token and any locally held payload bytes. Entries whose token
// bytes are missing are skipped: they cannot be replayed faithfully to
// another replica.
func (r *Replica) Query(ctx context.Context, area Area, order QueryOrder, opts QueryOptions) ([]QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	it, err := r.entries.Query(area, order, opts)
	if err != nil {
		return nil, err
	}
	defer it.Release()

	var results []QueryResult

	for it.Next() {
		entry := it.Entry()

		tokenPayload, found, err := r.payloads.Get(it.TokenDigest())
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		res := QueryResult{Entry: entry, Token: tokenPayload.Bytes()}

		payload, found, err := r.payloads.Get(entry.PayloadDigest)
		if err != nil {
			return nil, err
		}
		if found {
			res.Payload = payload
		}

		results = append(results, res)
	}

	if err := it.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// GetPayload returns the payload bytes for a digest, when held.
func (r *Replica) GetPayload(digest []byte) (*Payload, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, ErrClosed
	}

	return r.payloads.Get(digest)
}

// Summarise fingerprints an area for the surrounding sync protocol.
// countLimit and sizeLimit are as in [TripleStore.Summarise].
func (r *Replica) Summarise(area Area, countLimit, sizeLimit uint64) (fingerprint []byte, size uint64, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, 0, ErrClosed
	}

	return r.entries.Summarise(area, countLimit, sizeLimit)
}

// Forget removes the entry at (subspace, path) together with its payload
// and token bytes. The removal is write-ahead flagged like any other.
func (r *Replica) Forget(ctx context.Context, subspace []byte, path Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	victim, tokenDigest, found, err := r.entries.Get(subspace, path)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoEntry
	}

	err = r.waf.FlagRemoval(victim)
	if err != nil {
		return err
	}

	err = r.completeRemoval(victim, tokenDigest)
	if err != nil {
		return err
	}

	r.emit(EntryRemoveEvent{Entry: victim})

	return nil
}

func isUnknownPayload(err error) bool {
	return errors.Is(err, ErrUnknownPayload)
}
