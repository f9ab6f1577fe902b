package summary

import (
	"bytes"
)

// Tree is the in-memory Store implementation: a treap whose node priorities
// are derived from the key bytes, with every node caching the combined lift
// and entry count of its subtree. Summarise descends to the minimal cover
// of the requested range and combines cached labels.
//
// Tree is not safe for concurrent use; callers serialise access the same
// way they would around the backing driver of a [SkipList].
type Tree[F any] struct {
	monoid Monoid[F]
	root   *treeNode[F]
}

type treeNode[F any] struct {
	key      []byte
	value    []byte
	priority uint64
	left     *treeNode[F]
	right    *treeNode[F]
	count    uint64
	label    F
}

// NewTree returns an empty tree over the given monoid.
func NewTree[F any](m Monoid[F]) *Tree[F] {
	return &Tree[F]{monoid: m}
}

func (t *Tree[F]) refresh(n *treeNode[F]) {
	n.count = 1
	n.label = t.monoid.Lift(n.key, n.value)

	if n.left != nil {
		n.count += n.left.count
		n.label = t.monoid.Combine(n.left.label, n.label)
	}
	if n.right != nil {
		n.count += n.right.count
		n.label = t.monoid.Combine(n.label, n.right.label)
	}
}

func (t *Tree[F]) Get(key []byte) ([]byte, bool, error) {
	n := t.root
	for n != nil {
		switch c := bytes.Compare(key, n.key); {
		case c == 0:
			return bytes.Clone(n.value), true, nil
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}

	return nil, false, nil
}

func (t *Tree[F]) Insert(key, value []byte) error {
	t.root = t.insert(t.root, bytes.Clone(key), bytes.Clone(value))
	return nil
}

func (t *Tree[F]) insert(n *treeNode[F], key, value []byte) *treeNode[F] {
	if n == nil {
		fresh := &treeNode[F]{key: key, value: value, priority: keyPriority(key)}
		t.refresh(fresh)
		return fresh
	}

	switch c := bytes.Compare(key, n.key); {
	case c == 0:
		n.value = value
	case c < 0:
		n.left = t.insert(n.left, key, value)
		if n.left.priority > n.priority {
			n = t.rotateRight(n)
		}
	default:
		n.right = t.insert(n.right, key, value)
		if n.right.priority > n.priority {
			n = t.rotateLeft(n)
		}
	}

	t.refresh(n)

	return n
}

func (t *Tree[F]) Remove(key []byte) (bool, error) {
	var removed bool
	t.root, removed = t.remove(t.root, key)
	return removed, nil
}

func (t *Tree[F]) remove(n *treeNode[F], key []byte) (*treeNode[F], bool) {
	if n == nil {
		return nil, false
	}

	var removed bool

	switch c := bytes.Compare(key, n.key); {
	case c < 0:
		n.left, removed = t.remove(n.left, key)
	case c > 0:
		n.right, removed = t.remove(n.right, key)
	default:
		return t.dropRoot(n), true
	}

	t.refresh(n)

	return n, removed
}

// dropRoot rotates the doomed node downward along the higher-priority child
// until it is a leaf, then detaches it.
func (t *Tree[F]) dropRoot(n *treeNode[F]) *treeNode[F] {
	switch {
	case n.left == nil && n.right == nil:
		return nil
	case n.right == nil || (n.left != nil && n.left.priority > n.right.priority):
		n = t.rotateRight(n)
		n.right = t.dropRoot(n.right)
	default:
		n = t.rotateLeft(n)
		n.left = t.dropRoot(n.left)
	}

	t.refresh(n)

	return n
}

func (t *Tree[F]) rotateRight(n *treeNode[F]) *treeNode[F] {
	pivot := n.left
	n.left = pivot.right
	pivot.right = n
	t.refresh(n)
	t.refresh(pivot)
	return pivot
}

func (t *Tree[F]) rotateLeft(n *treeNode[F]) *treeNode[F] {
	pivot := n.right
	n.right = pivot.left
	pivot.left = n
	t.refresh(n)
	t.refresh(pivot)
	return pivot
}

// Len reports the number of stored entries.
func (t *Tree[F]) Len() uint64 {
	if t.root == nil {
		return 0
	}
	return t.root.count
}

func (t *Tree[F]) Entries(lower, upper []byte, opts IterOptions) (Iterator, error) {
	ranges := subRanges(lower, upper)

	parts := make([]Iterator, 0, len(ranges))
	if opts.Reverse {
		for i := len(ranges) - 1; i >= 0; i-- {
			parts = append(parts, newTreeIterator(t.root, ranges[i][0], ranges[i][1], true))
		}
	} else {
		for _, r := range ranges {
			parts = append(parts, newTreeIterator(t.root, r[0], r[1], false))
		}
	}

	return newChainIterator(parts, opts.Limit), nil
}

func (t *Tree[F]) AllEntries(opts IterOptions) (Iterator, error) {
	return t.Entries(nil, nil, opts)
}

func (t *Tree[F]) Summarise(lower, upper []byte) (Summary[F], error) {
	var (
		fp    F
		count uint64
	)

	switch classifyRange(lower, upper) {
	case rangeFull:
		fp, count = t.summarize(t.root, nil, nil)
	case rangeWrapped:
		lowFp, lowCount := t.summarize(t.root, nil, upper)
		highFp, highCount := t.summarize(t.root, lower, nil)
		fp = t.monoid.Combine(lowFp, highFp)
		count = lowCount + highCount
	default:
		fp, count = t.summarize(t.root, lower, upper)
	}

	return Summary[F]{Fingerprint: fp, Size: count}, nil
}

// summarize folds the lift of every key in [lower, upper) using cached
// subtree labels wherever a subtree lies fully inside the range.
func (t *Tree[F]) summarize(n *treeNode[F], lower, upper []byte) (F, uint64) {
	if n == nil {
		return t.monoid.Neutral, 0
	}
	if lower == nil && upper == nil {
		return n.label, n.count
	}
	if lower != nil && bytes.Compare(n.key, lower) < 0 {
		return t.summarize(n.right, lower, upper)
	}
	if upper != nil && bytes.Compare(n.key, upper) >= 0 {
		return t.summarize(n.left, lower, upper)
	}

	leftFp, leftCount := t.summarize(n.left, lower, nil)
	rightFp, rightCount := t.summarize(n.right, nil, upper)

	fp := t.monoid.Combine(t.monoid.Combine(leftFp, t.monoid.Lift(n.key, n.value)), rightFp)

	return fp, leftCount + 1 + rightCount
}

// treeIterator walks the tree in key order with an explicit work list
// instead of recursion or parent pointers. Subtrees that lie entirely
// outside the bounds are never pushed.
type treeIterator[F any] struct {
	stack   []treeIterFrame[F]
	lower   []byte
	upper   []byte
	reverse bool
	current *treeNode[F]
}

type treeIterFrame[F any] struct {
	node     *treeNode[F]
	expanded bool
}

func newTreeIterator[F any](root *treeNode[F], lower, upper []byte, reverse bool) *treeIterator[F] {
	it := &treeIterator[F]{lower: lower, upper: upper, reverse: reverse}
	if root != nil {
		it.stack = []treeIterFrame[F]{{node: root}}
	}
	return it
}

func (it *treeIterator[F]) inRange(key []byte) bool {
	if it.lower != nil && bytes.Compare(key, it.lower) < 0 {
		return false
	}
	if it.upper != nil && bytes.Compare(key, it.upper) >= 0 {
		return false
	}
	return true
}

func (it *treeIterator[F]) Next() bool {
	for len(it.stack) > 0 {
		top := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		n := top.node

		if top.expanded {
			if it.inRange(n.key) {
				it.current = n
				return true
			}
			continue
		}

		// The left subtree holds keys below n.key, the right subtree keys
		// above it, so each side is pruned when the bound proves it empty.
		descendLeft := n.left != nil && (it.lower == nil || bytes.Compare(n.key, it.lower) > 0)
		descendRight := n.right != nil && (it.upper == nil || bytes.Compare(n.key, it.upper) < 0)

		// Push in reverse of yield order.
		if it.reverse {
			if descendLeft {
				it.stack = append(it.stack, treeIterFrame[F]{node: n.left})
			}
			it.stack = append(it.stack, treeIterFrame[F]{node: n, expanded: true})
			if descendRight {
				it.stack = append(it.stack, treeIterFrame[F]{node: n.right})
			}
		} else {
			if descendRight {
				it.stack = append(it.stack, treeIterFrame[F]{node: n.right})
			}
			it.stack = append(it.stack, treeIterFrame[F]{node: n, expanded: true})
			if descendLeft {
				it.stack = append(it.stack, treeIterFrame[F]{node: n.left})
			}
		}
	}

	return false
}

func (it *treeIterator[F]) Key() []byte { return it.current.key }

func (it *treeIterator[F]) Value() []byte { return it.current.value }

func (it *treeIterator[F]) Err() error { return nil }

func (it *treeIterator[F]) Release() { it.stack = nil }
