package replikv_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/replikv"
	"github.com/calvinalkan/replikv/pkg/kv"
	"github.com/calvinalkan/replikv/pkg/scheme"
)

var (
	testSecret    = []byte("shared-secret")
	testNamespace = scheme.ID("testns")
)

// testClock hands out strictly increasing microsecond timestamps.
func testClock() func() uint64 {
	var now uint64 = 1_000_000
	return func() uint64 {
		now++
		return now
	}
}

func openTestReplica(t *testing.T) (*replikv.Replica, *kv.Memory) {
	t.Helper()

	driver := kv.NewMemory()
	r := openReplicaOn(t, driver)

	return r, driver
}

func openReplicaOn(t *testing.T, driver kv.Driver) *replikv.Replica {
	t.Helper()

	r, err := replikv.Open(driver, testNamespace, scheme.New(testSecret), replikv.WithClock(testClock()))
	require.NoError(t, err, "open replica")

	return r
}

func mustSet(t *testing.T, r *replikv.Replica, subspace string, path replikv.Path, ts uint64, payload string) replikv.IngestResult {
	t.Helper()

	res, err := r.Set(t.Context(), replikv.SetInput{
		Subspace:  scheme.ID(subspace),
		Path:      path,
		Payload:   []byte(payload),
		Timestamp: ts,
	}, nil)
	if err != nil {
		t.Fatalf("set %s %v: %v", subspace, path, err)
	}

	return res
}

func queryAll(t *testing.T, r *replikv.Replica, order replikv.QueryOrder) []replikv.QueryResult {
	t.Helper()

	results, err := r.Query(t.Context(), replikv.FullArea(), order, replikv.QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	return results
}

func path(components ...string) replikv.Path {
	p := make(replikv.Path, len(components))
	for i, c := range components {
		p[i] = []byte(c)
	}
	return p
}

// Contract: two subspaces may hold the same path independently.
func Test_Ingest_Keeps_Same_Path_Across_Subspaces(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	resA := mustSet(t, r, "A", path("p", "a", "t", "h", "A"), 1, "x")
	resB := mustSet(t, r, "B", path("p", "a", "t", "h", "A"), 1, "y")

	if resA.Outcome != replikv.OutcomeSuccess || resB.Outcome != replikv.OutcomeSuccess {
		t.Fatalf("outcomes = %v, %v, want success twice", resA.Outcome, resB.Outcome)
	}

	results := queryAll(t, r, replikv.OrderPath)
	if len(results) != 2 {
		t.Fatalf("query returned %d entries, want 2", len(results))
	}
}

// Contract: a second write at the same coordinates with a newer timestamp
// replaces the first, payload included.
func Test_Ingest_Supersedes_Same_Coordinates(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	mustSet(t, r, "A", path("p", "a", "t", "h", "B"), 1, "first")
	mustSet(t, r, "A", path("p", "a", "t", "h", "B"), 2, "second")

	results := queryAll(t, r, replikv.OrderPath)
	if len(results) != 1 {
		t.Fatalf("query returned %d entries, want 1", len(results))
	}

	if results[0].Entry.Timestamp != 2 {
		t.Fatalf("surviving timestamp = %d, want 2", results[0].Entry.Timestamp)
	}
	if results[0].Payload == nil || string(results[0].Payload.Bytes()) != "second" {
		t.Fatalf("surviving payload = %v, want \"second\"", results[0].Payload)
	}
}

// Contract: storing an entry evicts all older same-subspace entries whose
// paths it prefixes.
func Test_Ingest_Prefix_Sweep_Evicts_Older_Children(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	mustSet(t, r, "A", replikv.Path{{0}, {1}}, 1, "a")
	mustSet(t, r, "A", replikv.Path{{0}, {2}}, 1, "b")
	mustSet(t, r, "A", replikv.Path{{0}}, 2, "parent")

	results := queryAll(t, r, replikv.OrderPath)
	if len(results) != 1 {
		t.Fatalf("query returned %d entries, want 1", len(results))
	}

	want := replikv.Path{{0}}
	if replikv.ComparePaths(results[0].Entry.Path, want) != 0 {
		t.Fatalf("surviving path = %v, want %v", results[0].Entry.Path, want)
	}
	if string(results[0].Payload.Bytes()) != "parent" {
		t.Fatalf("surviving payload = %q, want parent", results[0].Payload.Bytes())
	}
}

// Contract: an entry under a newer prefixing entry is rejected as a no-op.
func Test_Ingest_Rejects_Child_Under_Newer_Prefix(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	mustSet(t, r, "A", replikv.Path{{0}, {0}, {0}, {0}}, 2000, "big")

	res := mustSet(t, r, "A", replikv.Path{{0}, {0}, {0}, {0}, {1}}, 1000, "child")
	if res.Outcome != replikv.OutcomeNewerPrefixFound {
		t.Fatalf("outcome = %v, want OutcomeNewerPrefixFound", res.Outcome)
	}

	results := queryAll(t, r, replikv.OrderPath)
	if len(results) != 1 {
		t.Fatalf("query returned %d entries, want 1", len(results))
	}
}

// Contract: an equal timestamp on a prefix also rejects, and the prefix
// dominates only within its own subspace.
func Test_Ingest_Rejects_Child_Under_Equal_Timestamp_Prefix(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	mustSet(t, r, "A", path("root"), 500, "r")

	res := mustSet(t, r, "A", path("root", "leaf"), 500, "l")
	if res.Outcome != replikv.OutcomeNewerPrefixFound {
		t.Fatalf("outcome = %v, want OutcomeNewerPrefixFound", res.Outcome)
	}

	// A different subspace is unaffected by the prefix.
	res = mustSet(t, r, "B", path("root", "leaf"), 400, "other")
	if res.Outcome != replikv.OutcomeSuccess {
		t.Fatalf("outcome for other subspace = %v, want success", res.Outcome)
	}
}

// Contract: same-coordinate ties break by timestamp, then digest, then
// payload length, larger winning.
func Test_Ingest_Supersession_Tiebreaks(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	res := mustSet(t, r, "A", path("tie"), 7, "mmmm")
	first := res.Entry

	// Older timestamp loses outright.
	res = mustSet(t, r, "A", path("tie"), 6, "zzzz")
	if res.Outcome != replikv.OutcomeObsoleteFromSameSubspace {
		t.Fatalf("older timestamp outcome = %v, want obsolete", res.Outcome)
	}

	// Equal timestamp: the digest order decides.
	res = mustSet(t, r, "A", path("tie"), 7, "candidate")

	results := queryAll(t, r, replikv.OrderPath)
	if len(results) != 1 {
		t.Fatalf("query returned %d entries, want 1", len(results))
	}

	schemes := scheme.New(testSecret)
	winner := results[0].Entry

	switch schemes.Payload.Order(res.Entry.PayloadDigest, first.PayloadDigest) {
	case 1:
		if res.Outcome != replikv.OutcomeSuccess || !winner.Equal(res.Entry) {
			t.Fatalf("larger digest should win: outcome %v, winner %+v", res.Outcome, winner)
		}
	case -1:
		if res.Outcome != replikv.OutcomeObsoleteFromSameSubspace || !winner.Equal(first) {
			t.Fatalf("smaller digest should lose: outcome %v, winner %+v", res.Outcome, winner)
		}
	default:
		t.Fatal("distinct payloads must not collide")
	}
}

// Contract: re-ingesting the stored entry leaves the state unchanged.
func Test_Ingest_Is_Idempotent_In_State(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	res := mustSet(t, r, "A", path("same"), 9, "payload")

	before, beforeSize, err := r.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise before")

	again, err := r.Ingest(t.Context(), res.Entry, res.Token, "")
	require.NoError(t, err, "re-ingest")
	if again.Outcome != replikv.OutcomeSuccess {
		t.Fatalf("re-ingest outcome = %v", again.Outcome)
	}

	after, afterSize, err := r.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise after")

	if !bytes.Equal(before, after) || beforeSize != afterSize {
		t.Fatalf("state changed: (%x, %d) -> (%x, %d)", before, beforeSize, after, afterSize)
	}
}

// Contract: entries with the wrong namespace or a forged token are
// rejected with ErrInvalidEntry and change nothing.
func Test_Ingest_Rejects_Invalid_Entries(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)
	schemes := scheme.New(testSecret)

	good := mustSet(t, r, "A", path("ok"), 3, "x").Entry

	foreign := good
	foreign.Namespace = scheme.ID("otherns")

	token, err := schemes.Authorisation.Authorise(foreign, nil)
	require.NoError(t, err, "authorise")

	_, err = r.Ingest(t.Context(), foreign, token, "")
	if !errors.Is(err, replikv.ErrInvalidEntry) {
		t.Fatalf("foreign namespace error = %v, want ErrInvalidEntry", err)
	}

	tampered := good
	tampered.Timestamp = 99

	_, err = r.Ingest(t.Context(), tampered, []byte("not a token"), "")
	if !errors.Is(err, replikv.ErrInvalidEntry) {
		t.Fatalf("forged token error = %v, want ErrInvalidEntry", err)
	}

	if got := len(queryAll(t, r, replikv.OrderPath)); got != 1 {
		t.Fatalf("stored entries = %d, want 1", got)
	}
}

// Contract: a replica constructed over a driver holding a flagged insert
// with a committed token replays it to the same state as a clean ingest.
func Test_Open_Replays_Flagged_Insert(t *testing.T) {
	t.Parallel()

	schemes := scheme.New(testSecret)

	buildEntry := func(payload string) (replikv.Entry, []byte) {
		digest, err := schemes.Payload.FromBytes(bytes.NewReader([]byte(payload)))
		require.NoError(t, err, "digest payload")

		e := replikv.Entry{
			Namespace:     testNamespace,
			Subspace:      scheme.ID("alice"),
			Path:          path("crash", "pending"),
			Timestamp:     777,
			PayloadLength: uint64(len(payload)),
			PayloadDigest: digest,
		}

		token, err := schemes.Authorisation.Authorise(e, nil)
		require.NoError(t, err, "authorise")

		return e, token
	}

	entry, token := buildEntry("payload-bytes")

	tokenDigest, err := schemes.Payload.FromBytes(bytes.NewReader(token))
	require.NoError(t, err, "digest token")

	// Crashed replica: token committed, write-ahead flag set, but no index
	// writes happened.
	crashed := kv.NewMemory()

	payloads := replikv.NewDriverPayloadStore(crashed, schemes.Payload)
	staged, err := payloads.Stage(bytes.NewReader(token))
	require.NoError(t, err, "stage token")
	require.NoError(t, staged.Commit(), "commit token")

	require.NoError(t, crashed.Set(
		kv.MakeKey([]byte("waf"), []byte("insert")),
		replikv.EncodeEntry(schemes, entry),
	), "flag entry")
	require.NoError(t, crashed.Set(
		kv.MakeKey([]byte("waf"), []byte("insert"), []byte("auth_token_hash")),
		schemes.Payload.Encode(tokenDigest),
	), "flag token digest")

	recovered := openReplicaOn(t, crashed)

	// Clean replica: the same entry ingested normally.
	clean, _ := openTestReplica(t)
	_, err = clean.Ingest(t.Context(), entry, token, "")
	require.NoError(t, err, "clean ingest")

	wantFp, wantSize, err := clean.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise clean")

	gotFp, gotSize, err := recovered.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise recovered")

	if !bytes.Equal(gotFp, wantFp) || gotSize != wantSize {
		t.Fatalf("recovered state (%x, %d) differs from clean state (%x, %d)",
			gotFp, gotSize, wantFp, wantSize)
	}

	// The flag is gone: a further reopen replays nothing and keeps state.
	_, flagged, err := crashed.Get(kv.MakeKey([]byte("waf"), []byte("insert")))
	require.NoError(t, err, "read insert flag")
	if flagged {
		t.Fatal("insert flag should be cleared after replay")
	}

	reopened := openReplicaOn(t, crashed)

	againFp, againSize, err := reopened.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise reopened")

	if !bytes.Equal(againFp, wantFp) || againSize != wantSize {
		t.Fatalf("reopened state (%x, %d) differs from clean state (%x, %d)",
			againFp, againSize, wantFp, wantSize)
	}

	require.NoError(t, recovered.Close(), "close recovered")
}

// Contract: a flagged insert without a committed token is discarded.
func Test_Open_Discards_Flagged_Insert_Without_Token(t *testing.T) {
	t.Parallel()

	schemes := scheme.New(testSecret)
	driver := kv.NewMemory()

	digest, err := schemes.Payload.FromBytes(bytes.NewReader([]byte("x")))
	require.NoError(t, err, "digest")

	entry := replikv.Entry{
		Namespace:     testNamespace,
		Subspace:      scheme.ID("alice"),
		Path:          path("ghost"),
		Timestamp:     1,
		PayloadLength: 1,
		PayloadDigest: digest,
	}

	require.NoError(t, driver.Set(
		kv.MakeKey([]byte("waf"), []byte("insert")),
		replikv.EncodeEntry(schemes, entry),
	), "flag entry")
	require.NoError(t, driver.Set(
		kv.MakeKey([]byte("waf"), []byte("insert"), []byte("auth_token_hash")),
		schemes.Payload.Encode(digest),
	), "flag token digest")

	r := openReplicaOn(t, driver)

	if got := len(queryAll(t, r, replikv.OrderPath)); got != 0 {
		t.Fatalf("stored entries = %d, want 0", got)
	}
}

// Contract: replica state survives close and reopen over the same driver.
func Test_Reopen_Preserves_State(t *testing.T) {
	t.Parallel()

	driver := kv.NewMemory()
	first := openReplicaOn(t, driver)

	mustSet(t, first, "A", path("persistent"), 5, "payload")

	wantFp, wantSize, err := first.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise")

	second := openReplicaOn(t, driver)

	gotFp, gotSize, err := second.Summarise(replikv.FullArea(), 0, 0)
	require.NoError(t, err, "summarise after reopen")

	if !bytes.Equal(gotFp, wantFp) || gotSize != wantSize {
		t.Fatalf("reopened state (%x, %d) differs from original (%x, %d)", gotFp, gotSize, wantFp, wantSize)
	}

	results := queryAll(t, second, replikv.OrderPath)
	if len(results) != 1 || string(results[0].Payload.Bytes()) != "payload" {
		t.Fatalf("reopened query = %+v", results)
	}
}

// Contract: the area summary equals the fold of the fingerprint lift over
// the area's entries.
func Test_Summarise_Matches_Fold_Over_Query(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)
	schemes := scheme.New(testSecret)

	for i := range 20 {
		sub := "A"
		if i%3 == 0 {
			sub = "B"
		}
		mustSet(t, r, sub, path("dir", fmt.Sprintf("f%02d", i)), uint64(100+i), fmt.Sprintf("payload-%d", i))
	}

	areas := []replikv.Area{
		replikv.FullArea(),
		{Subspace: scheme.ID("A")},
		{Subspace: scheme.ID("B"), TimeStart: 103, TimeEnd: 115},
		{PathPrefix: path("dir")},
		{PathPrefix: path("dir", "f07")},
		{Subspace: scheme.ID("nobody")},
	}

	for _, area := range areas {
		gotFp, gotSize, err := r.Summarise(area, 0, 0)
		require.NoError(t, err, "summarise")

		wantFp := schemes.Fingerprint.Neutral()
		var wantSize uint64

		for _, res := range queryAll(t, r, replikv.OrderSubspace) {
			if area.Includes(res.Entry) {
				wantFp = schemes.Fingerprint.Combine(wantFp, schemes.Fingerprint.LiftSingleton(res.Entry))
				wantSize++
			}
		}

		if !bytes.Equal(gotFp, wantFp) || gotSize != wantSize {
			t.Fatalf("area %+v: summary (%x, %d), fold (%x, %d)", area, gotFp, gotSize, wantFp, wantSize)
		}
	}
}

// Contract: summary limits cap the included entries deterministically.
func Test_Summarise_Honours_Count_Limit(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	for i := range 10 {
		mustSet(t, r, "A", path(fmt.Sprintf("k%d", i)), uint64(1+i), "x")
	}

	_, size, err := r.Summarise(replikv.FullArea(), 4, 0)
	require.NoError(t, err, "summarise")

	if size != 4 {
		t.Fatalf("size = %d, want 4", size)
	}
}

// Contract: queries restrict and order by each of the three dimensions.
func Test_Query_Orders_And_Filters(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	mustSet(t, r, "B", path("b"), 30, "3")
	mustSet(t, r, "A", path("c"), 20, "2")
	mustSet(t, r, "C", path("a"), 10, "1")

	byPath := queryAll(t, r, replikv.OrderPath)
	if got := pathsOf(byPath); !equalStringSlices(got, []string{"a", "b", "c"}) {
		t.Fatalf("path order = %v", got)
	}

	byTime, err := r.Query(t.Context(), replikv.FullArea(), replikv.OrderTimestamp, replikv.QueryOptions{Reverse: true})
	require.NoError(t, err, "query by time")
	if got := pathsOf(byTime); !equalStringSlices(got, []string{"b", "c", "a"}) {
		t.Fatalf("reverse time order = %v", got)
	}

	onlyA, err := r.Query(t.Context(), replikv.Area{Subspace: scheme.ID("A")}, replikv.OrderSubspace, replikv.QueryOptions{})
	require.NoError(t, err, "query subspace A")
	if len(onlyA) != 1 || string(onlyA[0].Entry.Path[0]) != "c" {
		t.Fatalf("subspace filter = %+v", onlyA)
	}

	limited, err := r.Query(t.Context(), replikv.FullArea(), replikv.OrderPath, replikv.QueryOptions{MaxCount: 2})
	require.NoError(t, err, "limited query")
	if len(limited) != 2 {
		t.Fatalf("limited query returned %d, want 2", len(limited))
	}
}

// Contract: IngestPayload validates coordinates and digest, and reports
// payloads it already has.
func Test_IngestPayload_Validates_And_Deduplicates(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)
	schemes := scheme.New(testSecret)

	_, err := r.IngestPayload(t.Context(), scheme.ID("A"), path("nope"), []byte("x"))
	if !errors.Is(err, replikv.ErrNoEntry) {
		t.Fatalf("missing entry error = %v, want ErrNoEntry", err)
	}

	// Ingest an entry without its payload: build it by hand.
	payload := []byte("the payload")
	digest, err := schemes.Payload.FromBytes(bytes.NewReader(payload))
	require.NoError(t, err, "digest")

	entry := replikv.Entry{
		Namespace:     testNamespace,
		Subspace:      scheme.ID("A"),
		Path:          path("doc"),
		Timestamp:     50,
		PayloadLength: uint64(len(payload)),
		PayloadDigest: digest,
	}

	token, err := schemes.Authorisation.Authorise(entry, nil)
	require.NoError(t, err, "authorise")

	_, err = r.Ingest(t.Context(), entry, token, "peer-1")
	require.NoError(t, err, "ingest")

	_, err = r.IngestPayload(t.Context(), scheme.ID("A"), path("doc"), []byte("wrong bytes"))
	if !errors.Is(err, replikv.ErrMismatchedHash) {
		t.Fatalf("wrong payload error = %v, want ErrMismatchedHash", err)
	}

	res, err := r.IngestPayload(t.Context(), scheme.ID("A"), path("doc"), payload)
	require.NoError(t, err, "ingest payload")
	if res.Outcome != replikv.OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}

	res, err = r.IngestPayload(t.Context(), scheme.ID("A"), path("doc"), payload)
	require.NoError(t, err, "re-ingest payload")
	if res.Outcome != replikv.OutcomeAlreadyHaveIt {
		t.Fatalf("outcome = %v, want OutcomeAlreadyHaveIt", res.Outcome)
	}
}

// Contract: entries whose token bytes are missing are skipped by Query;
// entries with a token but no payload surface with a nil payload.
func Test_Query_Skips_Entries_Without_Token(t *testing.T) {
	t.Parallel()

	r, driver := openTestReplica(t)
	schemes := scheme.New(testSecret)

	payload := []byte("remote payload")
	digest, err := schemes.Payload.FromBytes(bytes.NewReader(payload))
	require.NoError(t, err, "digest")

	entry := replikv.Entry{
		Namespace:     testNamespace,
		Subspace:      scheme.ID("A"),
		Path:          path("remote"),
		Timestamp:     60,
		PayloadLength: uint64(len(payload)),
		PayloadDigest: digest,
	}

	token, err := schemes.Authorisation.Authorise(entry, nil)
	require.NoError(t, err, "authorise")

	_, err = r.Ingest(t.Context(), entry, token, "peer-1")
	require.NoError(t, err, "ingest")

	results := queryAll(t, r, replikv.OrderPath)
	if len(results) != 1 {
		t.Fatalf("query returned %d, want 1", len(results))
	}
	if results[0].Payload != nil {
		t.Fatal("payload should be absent until ingested")
	}
	if !bytes.Equal(results[0].Token, token) {
		t.Fatal("query should return the stored token bytes")
	}

	// Dropping the token bytes makes the entry unreplayable, so Query
	// silently skips it. A second store handle shares the driver's data.
	tokenDigest, err := schemes.Payload.FromBytes(bytes.NewReader(token))
	require.NoError(t, err, "digest token")

	payloads := replikv.NewDriverPayloadStore(driver, schemes.Payload)
	require.NoError(t, payloads.Erase(tokenDigest), "erase token")

	if got := len(queryAll(t, r, replikv.OrderPath)); got != 0 {
		t.Fatalf("query after token loss returned %d, want 0", got)
	}
}

// Contract: Forget removes the entry, its payload and its token.
func Test_Forget_Removes_Entry_And_Payload(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)

	res := mustSet(t, r, "A", path("secret"), 9, "sensitive")

	err := r.Forget(t.Context(), scheme.ID("A"), path("secret"))
	require.NoError(t, err, "forget")

	if got := len(queryAll(t, r, replikv.OrderPath)); got != 0 {
		t.Fatalf("stored entries = %d, want 0", got)
	}

	if _, found, _ := r.GetPayload(res.Entry.PayloadDigest); found {
		t.Fatal("payload should be erased with the entry")
	}

	err = r.Forget(t.Context(), scheme.ID("A"), path("secret"))
	if !errors.Is(err, replikv.ErrNoEntry) {
		t.Fatalf("second forget error = %v, want ErrNoEntry", err)
	}
}

// Contract: events fire in state-change order with the observable names;
// local sets emit entrypayloadset, sourced ingestions emit entryingest,
// evictions emit entryremove.
func Test_Events_Fire_In_Order(t *testing.T) {
	t.Parallel()

	r, _ := openTestReplica(t)
	schemes := scheme.New(testSecret)

	var names []string
	r.Subscribe(func(ev replikv.Event) {
		names = append(names, ev.EventName())
	})

	mustSet(t, r, "A", path("dir", "leaf"), 1, "child")
	mustSet(t, r, "A", path("dir"), 2, "parent")

	payload := []byte("remote")
	digest, err := schemes.Payload.FromBytes(bytes.NewReader(payload))
	require.NoError(t, err, "digest")

	entry := replikv.Entry{
		Namespace:     testNamespace,
		Subspace:      scheme.ID("B"),
		Path:          path("from", "peer"),
		Timestamp:     3,
		PayloadLength: uint64(len(payload)),
		PayloadDigest: digest,
	}

	token, err := schemes.Authorisation.Authorise(entry, nil)
	require.NoError(t, err, "authorise")

	_, err = r.Ingest(t.Context(), entry, token, "peer-9")
	require.NoError(t, err, "ingest")

	_, err = r.IngestPayload(t.Context(), scheme.ID("B"), path("from", "peer"), payload)
	require.NoError(t, err, "ingest payload")

	want := []string{
		"entrypayloadset", // set of dir/leaf
		"entryremove",     // sweep evicts dir/leaf when dir arrives
		"entrypayloadset", // set of dir
		"entryingest",     // sourced ingestion
		"payloadingest",   // its payload arrives
	}
	if !equalStringSlices(names, want) {
		t.Fatalf("event order = %v, want %v", names, want)
	}
}

func pathsOf(results []replikv.QueryResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = string(bytes.Join(r.Entry.Path, []byte("/")))
	}
	return out
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
