package radix

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/calvinalkan/replikv/pkg/kv"
)

// ErrCorruptNode reports an undecodable trie node record.
// Callers should use errors.Is(err, ErrCorruptNode).
var ErrCorruptNode = errors.New("radix: corrupt trie node")

// Node phantomness. A phantom exists only as a branch point between stored
// keys; a real node carries a user value; a real node that is also a branch
// point is marked realWithPhantom.
const (
	phantomNode      byte = 0
	realNode         byte = 1
	realWithPhantom  byte = 2
	trieNodeOverhead      = 1 + bitmapBytes
)

const bitmapBytes = 32

// childVector marks which next-bytes lead from a node to a stored
// descendant subtree.
type childVector [bitmapBytes]byte

func (v *childVector) set(b byte)       { v[b>>3] |= 1 << (b & 7) }
func (v *childVector) clear(b byte)     { v[b>>3] &^= 1 << (b & 7) }
func (v *childVector) test(b byte) bool { return v[b>>3]&(1<<(b&7)) != 0 }
func (v *childVector) isEmpty() bool    { return *v == childVector{} }
func (v *childVector) population() int {
	n := 0
	for _, b := range v {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

// TrieStore is the persistent Store implementation: a compressed trie whose
// nodes are keyed by their cumulative prefix inside a kv driver, so that
// prefixed-by queries map onto the driver's native key order.
//
// All mutation for one Insert or Remove commits through a single batch.
type TrieStore struct {
	driver kv.Driver
	prefix kv.Key
}

// NewTrieStore returns a trie over the driver key space below prefix.
func NewTrieStore(driver kv.Driver, prefix kv.Key) *TrieStore {
	return &TrieStore{driver: driver, prefix: prefix.Clone()}
}

type trieNode struct {
	hasValue bool
	value    []byte
	children childVector
}

func (n trieNode) phantomness() byte {
	switch {
	case !n.hasValue:
		return phantomNode
	case n.children.isEmpty():
		return realNode
	default:
		return realWithPhantom
	}
}

func encodeTrieNode(n trieNode) []byte {
	out := make([]byte, 0, trieNodeOverhead+len(n.value))
	out = append(out, n.phantomness())
	out = append(out, n.children[:]...)
	out = append(out, n.value...)
	return out
}

func decodeTrieNode(b []byte) (trieNode, error) {
	if len(b) < trieNodeOverhead {
		return trieNode{}, fmt.Errorf("%w: %d byte record", ErrCorruptNode, len(b))
	}

	n := trieNode{hasValue: b[0] != phantomNode}
	copy(n.children[:], b[1:trieNodeOverhead])
	if n.hasValue {
		n.value = bytes.Clone(b[trieNodeOverhead:])
	}
	return n, nil
}

func (s *TrieStore) nodeKey(key []byte) kv.Key {
	return s.prefix.Append(key)
}

func (s *TrieStore) getNode(key []byte) (trieNode, bool, error) {
	raw, found, err := s.driver.Get(s.nodeKey(key))
	if err != nil || !found {
		return trieNode{}, false, err
	}

	n, err := decodeTrieNode(raw)
	if err != nil {
		return trieNode{}, false, err
	}

	return n, true, nil
}

// firstNodeIn returns the first stored node with start <= key < end
// (nil end means the end of the trie's key space).
func (s *TrieStore) firstNodeIn(start, end []byte) ([]byte, trieNode, bool, error) {
	r := kv.PrefixRange(s.prefix)
	if start != nil {
		r.Start = s.nodeKey(start)
	}
	if end != nil {
		r.End = s.nodeKey(end)
	}

	it := s.driver.List(r, kv.ListOptions{Limit: 1})
	defer it.Release()

	if !it.Next() {
		return nil, trieNode{}, false, it.Err()
	}

	n, err := decodeTrieNode(it.Value())
	if err != nil {
		return nil, trieNode{}, false, err
	}

	return bytes.Clone(it.Key()[len(s.prefix)]), n, true, nil
}

// firstNodeUnder returns the topmost stored node whose key extends base.
// By the branch invariant this node's key is a prefix of every stored key
// under base.
func (s *TrieStore) firstNodeUnder(base []byte) ([]byte, trieNode, bool, error) {
	return s.firstNodeIn(base, byteSuccessor(base))
}

// storedPrefixMatch pairs a node with its cumulative key.
type storedPrefixMatch struct {
	key  []byte
	node trieNode
}

// storedPrefixesOf collects every stored node (phantoms included) whose key
// is a proper prefix of key, in increasing key length. It advances by
// seeking, so the number of driver reads is bounded by the number of
// divergence points, not the stored size.
func (s *TrieStore) storedPrefixesOf(key []byte) ([]storedPrefixMatch, error) {
	var matches []storedPrefixMatch

	cur := []byte{}
	for {
		sk, node, ok, err := s.firstNodeIn(cur, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		if bytes.HasPrefix(key, sk) {
			matches = append(matches, storedPrefixMatch{key: sk, node: node})
			cur = bytes.Clone(key[:len(sk)+1])
			continue
		}

		shared := commonPrefixLen(sk, key)
		if shared >= len(key) || sk[shared] > key[shared] {
			break
		}
		cur = bytes.Clone(key[:shared+1])
	}

	return matches, nil
}

func (s *TrieStore) Get(key []byte) ([]byte, bool, error) {
	n, found, err := s.getNode(key)
	if err != nil || !found || !n.hasValue {
		return nil, false, err
	}
	return n.value, true, nil
}

func (s *TrieStore) Insert(key, value []byte) error {
	batch := s.driver.Batch()

	node, found, err := s.getNode(key)
	if err != nil {
		return err
	}
	if found {
		node.hasValue = true
		node.value = bytes.Clone(value)
		batch.Set(s.nodeKey(key), encodeTrieNode(node))
		return batch.Commit()
	}

	fresh := trieNode{hasValue: true, value: bytes.Clone(value)}

	if len(key) == 0 {
		// The empty key becomes an ancestor of every stored key; its child
		// vector is the set of first bytes of the top-level subtrees.
		vec, err := s.topLevelEdges()
		if err != nil {
			return err
		}
		fresh.children = vec
		batch.Set(s.nodeKey(key), encodeTrieNode(fresh))
		return batch.Commit()
	}

	prefixes, err := s.storedPrefixesOf(key)
	if err != nil {
		return err
	}

	var searchBase []byte

	if len(prefixes) > 0 {
		parent := prefixes[len(prefixes)-1]
		edge := key[len(parent.key)]

		if !parent.node.children.test(edge) {
			parent.node.children.set(edge)
			batch.Set(s.nodeKey(parent.key), encodeTrieNode(parent.node))
			batch.Set(s.nodeKey(key), encodeTrieNode(fresh))
			return batch.Commit()
		}

		searchBase = append(bytes.Clone(parent.key), edge)
	} else {
		searchBase = key[:1]
	}

	headKey, _, ok, err := s.firstNodeUnder(searchBase)
	if err != nil {
		return err
	}
	if !ok {
		// No subtree shares an edge with the new key.
		batch.Set(s.nodeKey(key), encodeTrieNode(fresh))
		return batch.Commit()
	}

	shared := commonPrefixLen(headKey, key)

	if shared == len(key) {
		// The new key is a proper prefix of the subtree head: it takes the
		// head's place on this edge.
		fresh.children.set(headKey[shared])
		batch.Set(s.nodeKey(key), encodeTrieNode(fresh))
		return batch.Commit()
	}

	// The new key diverges from the subtree below a new branch point.
	var branch trieNode
	branch.children.set(headKey[shared])
	branch.children.set(key[shared])

	batch.Set(s.nodeKey(key[:shared]), encodeTrieNode(branch))
	batch.Set(s.nodeKey(key), encodeTrieNode(fresh))

	return batch.Commit()
}

func (s *TrieStore) Remove(key []byte) (bool, error) {
	node, found, err := s.getNode(key)
	if err != nil {
		return false, err
	}
	if !found || !node.hasValue {
		return false, nil
	}

	batch := s.driver.Batch()

	switch node.children.population() {
	case 0:
		// Leaf: delete and repair the parent branch.
		batch.Delete(s.nodeKey(key))

		err = s.repairParent(batch, key)
		if err != nil {
			return false, err
		}
	case 1:
		// A valueless single-child node must not exist: drop it and let the
		// surviving subtree hang off the same ancestor edge.
		batch.Delete(s.nodeKey(key))
	default:
		node.hasValue = false
		node.value = nil
		batch.Set(s.nodeKey(key), encodeTrieNode(node))
	}

	err = batch.Commit()
	if err != nil {
		return false, err
	}

	return true, nil
}

// repairParent clears the edge toward a deleted leaf and collapses the
// parent when it was a phantom left with a single child.
func (s *TrieStore) repairParent(batch kv.Batch, key []byte) error {
	if len(key) == 0 {
		return nil
	}

	prefixes, err := s.storedPrefixesOf(key)
	if err != nil {
		return err
	}
	if len(prefixes) == 0 {
		return nil
	}

	parent := prefixes[len(prefixes)-1]
	parent.node.children.clear(key[len(parent.key)])

	if !parent.node.hasValue && parent.node.children.population() == 1 {
		batch.Delete(s.nodeKey(parent.key))
		return nil
	}

	batch.Set(s.nodeKey(parent.key), encodeTrieNode(parent.node))

	return nil
}

// topLevelEdges scans the distinct first bytes of all stored keys.
func (s *TrieStore) topLevelEdges() (childVector, error) {
	var vec childVector

	cur := []byte{0x00}
	for {
		sk, _, ok, err := s.firstNodeIn(cur, nil)
		if err != nil {
			return vec, err
		}
		if !ok {
			break
		}
		if len(sk) == 0 {
			cur = []byte{0x00}
			continue
		}

		vec.set(sk[0])

		next := byteSuccessor(sk[:1])
		if next == nil {
			break
		}
		cur = next
	}

	return vec, nil
}

func (s *TrieStore) PrefixesOf(key []byte) (Iterator, error) {
	matches, err := s.storedPrefixesOf(key)
	if err != nil {
		return nil, err
	}

	var pairs []pair
	for _, m := range matches {
		if m.node.hasValue {
			pairs = append(pairs, pair{key: m.key, value: m.node.value})
		}
	}

	return &sliceIterator{pairs: pairs, pos: -1}, nil
}

func (s *TrieStore) PrefixedBy(key []byte) (Iterator, error) {
	r := kv.PrefixRange(s.prefix)
	r.Start = s.nodeKey(append(bytes.Clone(key), 0x00))
	if end := byteSuccessor(key); end != nil {
		r.End = s.nodeKey(end)
	}

	return &trieRangeIterator{
		prefixLen: len(s.prefix),
		inner:     s.driver.List(r, kv.ListOptions{}),
	}, nil
}

// trieRangeIterator yields real nodes from a driver range scan.
type trieRangeIterator struct {
	prefixLen int
	inner     kv.Iterator
	key       []byte
	value     []byte
	err       error
}

func (it *trieRangeIterator) Next() bool {
	if it.err != nil {
		return false
	}

	for it.inner.Next() {
		node, err := decodeTrieNode(it.inner.Value())
		if err != nil {
			it.err = err
			return false
		}
		if !node.hasValue {
			continue
		}

		it.key = bytes.Clone(it.inner.Key()[it.prefixLen])
		it.value = node.value

		return true
	}

	it.err = it.inner.Err()

	return false
}

func (it *trieRangeIterator) Key() []byte { return it.key }

func (it *trieRangeIterator) Value() []byte { return it.value }

func (it *trieRangeIterator) Err() error { return it.err }

func (it *trieRangeIterator) Release() { it.inner.Release() }

// byteSuccessor returns the smallest byte string greater than every string
// having s as a prefix, or nil when no such bound exists.
func byteSuccessor(s []byte) []byte {
	out := bytes.Clone(s)
	for len(out) > 0 {
		if out[len(out)-1] != 0xff {
			out[len(out)-1]++
			return out
		}
		out = out[:len(out)-1]
	}
	return nil
}
