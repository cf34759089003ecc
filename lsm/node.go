package lsm

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
)

// kind tags which arm of the node sum type is populated.
type kind int8

const (
	kindLeaf kind = iota
	kindInner
	kindRemote
)

// node is the crit-bit trie node sum type: a Leaf holding one value, an
// Inner splitting its keyspace at critbit, or a Remote standing in for
// a subtree stowed as its own resource, with buffered updates applied
// on top of it at read or compaction time.
//
// Every node is implicitly associated with a "representative" key
// carried by its caller during traversal rather than stored on the
// node itself (per the teacher's schema/tree.go, which likewise
// resolves a member's key by the path taken to reach it rather than
// storing it redundantly at every level).
type node struct {
	kind kind

	// kindLeaf
	value []byte

	// kindInner
	critbit  int
	left     *node
	rightKey []byte
	right    *node

	// kindRemote: critbit is the shallowest bit at which the persisted
	// body's own members are known to disagree with rep (maxBits if the
	// persisted body is itself a single leaf, meaning any disagreement
	// at all rules the key out). updates buffers inserts and tombstones
	// made since ref was last stowed; a nil entry for a present key is a
	// tombstone.
	updates map[string][]byte
	ref     corekv.Hash
}

// maxBits bounds the bit-index space: keys are at most corekv.MaxKeyLen
// bytes (enforced by ValidateKey upstream of this package), each worth 9
// virtual bits under bitAt's presence-bit encoding, so no two keys can
// disagree beyond this many bits.
const maxBits = corekv.MaxKeyLen * 9

func newLeaf(value []byte) *node {
	return &node{kind: kindLeaf, value: append([]byte(nil), value...)}
}

// tryFind looks up key within the subtree rooted at n, whose
// representative key (any key known to belong to it; by convention its
// least key) is rep.
func (idx *Index) tryFind(n *node, rep, key []byte) ([]byte, bool, error) {
	switch n.kind {
	case kindLeaf:
		if bytes.Equal(rep, key) {
			return n.value, true, nil
		}
		return nil, false, nil

	case kindInner:
		if diff := firstDifferingBit(rep, key); diff != -1 && diff < n.critbit {
			return nil, false, nil
		}
		if bitAt(key, n.critbit) == 0 {
			return idx.tryFind(n.left, rep, key)
		}
		return idx.tryFind(n.right, n.rightKey, key)

	case kindRemote:
		if v, ok := n.updates[string(key)]; ok {
			if v == nil {
				return nil, false, nil // tombstone
			}
			return v, true, nil
		}
		if diff := firstDifferingBit(rep, key); diff != -1 && diff < n.critbit {
			return nil, false, nil
		}
		body, err := idx.loadRef(n.ref)
		if err != nil {
			return nil, false, err
		}
		return idx.tryFind(body, rep, key)

	default:
		return nil, false, errors.Errorf("lsm: unrecognized node kind %d", n.kind)
	}
}

// add returns a new subtree with (key, value) bound, plus the new
// subtree's representative key (unchanged from rep unless key is now
// the subtree's least key).
func (idx *Index) add(n *node, rep, key, value []byte) (*node, []byte, error) {
	switch n.kind {
	case kindLeaf:
		if bytes.Equal(rep, key) {
			return newLeaf(value), rep, nil
		}
		return splitAbove(n, rep, key, newLeaf(value)), leastOf(rep, key), nil

	case kindInner:
		diff := firstDifferingBit(rep, key)
		if diff != -1 && diff < n.critbit {
			return splitAbove(n, rep, key, newLeaf(value)), leastOf(rep, key), nil
		}
		if bitAt(key, n.critbit) == 0 {
			newLeft, newRep, err := idx.add(n.left, rep, key, value)
			if err != nil {
				return nil, nil, err
			}
			return &node{kind: kindInner, critbit: n.critbit, left: newLeft, rightKey: n.rightKey, right: n.right}, newRep, nil
		}
		newRight, newRightRep, err := idx.add(n.right, n.rightKey, key, value)
		if err != nil {
			return nil, nil, err
		}
		return &node{kind: kindInner, critbit: n.critbit, left: n.left, rightKey: newRightRep, right: newRight}, rep, nil

	case kindRemote:
		diff := firstDifferingBit(rep, key)
		if diff != -1 && diff < n.critbit {
			return splitAbove(n, rep, key, newLeaf(value)), leastOf(rep, key), nil
		}
		// Key belongs within this remote subtree's range: buffer the
		// insert without loading or touching the persisted body.
		newUpdates := make(map[string][]byte, len(n.updates)+1)
		for k, v := range n.updates {
			newUpdates[k] = v
		}
		newUpdates[string(key)] = append([]byte(nil), value...)
		return &node{kind: kindRemote, critbit: n.critbit, updates: newUpdates, ref: n.ref}, rep, nil

	default:
		return nil, nil, errors.Errorf("lsm: unrecognized node kind %d", n.kind)
	}
}

// splitAbove wraps existing (whose own representative is rep) and a
// freshly created sibling leaf for key in a new Inner node, without
// inspecting existing's structure - correct for any kind, including an
// unloaded Remote, since the split point depends only on rep and key.
func splitAbove(existing *node, rep, key []byte, sibling *node) *node {
	cb := firstDifferingBit(rep, key)
	if bitAt(key, cb) == 1 {
		return &node{kind: kindInner, critbit: cb, left: existing, rightKey: append([]byte(nil), key...), right: sibling}
	}
	return &node{kind: kindInner, critbit: cb, left: sibling, rightKey: append([]byte(nil), rep...), right: existing}
}

func leastOf(a, b []byte) []byte {
	diff := firstDifferingBit(a, b)
	if diff == -1 {
		return append([]byte(nil), a...)
	}
	if bitAt(a, diff) == 0 {
		return append([]byte(nil), a...)
	}
	return append([]byte(nil), b...)
}

// remove eagerly loads and merges every Remote it passes through, so
// it always decides against fully materialized structure. It returns
// the new subtree (nil if the subtree becomes empty), the new
// representative key, and whether key was present.
func (idx *Index) remove(n *node, rep, key []byte) (*node, []byte, bool, error) {
	switch n.kind {
	case kindLeaf:
		if bytes.Equal(rep, key) {
			return nil, nil, true, nil
		}
		return n, rep, false, nil

	case kindInner:
		if diff := firstDifferingBit(rep, key); diff != -1 && diff < n.critbit {
			return n, rep, false, nil
		}
		if bitAt(key, n.critbit) == 0 {
			newLeft, newRep, removed, err := idx.remove(n.left, rep, key)
			if err != nil {
				return nil, nil, false, err
			}
			if !removed {
				return n, rep, false, nil
			}
			if newLeft == nil {
				return n.right, n.rightKey, true, nil
			}
			return &node{kind: kindInner, critbit: n.critbit, left: newLeft, rightKey: n.rightKey, right: n.right}, newRep, true, nil
		}
		newRight, newRightRep, removed, err := idx.remove(n.right, n.rightKey, key)
		if err != nil {
			return nil, nil, false, err
		}
		if !removed {
			return n, rep, false, nil
		}
		if newRight == nil {
			return n.left, rep, true, nil
		}
		return &node{kind: kindInner, critbit: n.critbit, left: n.left, rightKey: newRightRep, right: newRight}, rep, true, nil

	case kindRemote:
		body, err := idx.loadRef(n.ref)
		if err != nil {
			return nil, nil, false, err
		}
		merged, mergedRep, err := idx.mergeUpdates(body, rep, n.updates)
		if err != nil {
			return nil, nil, false, err
		}
		if merged == nil {
			return nil, nil, false, nil
		}
		return idx.remove(merged, mergedRep, key)

	default:
		return nil, nil, false, errors.Errorf("lsm: unrecognized node kind %d", n.kind)
	}
}

// mergeUpdates applies a Remote's buffered updates onto its freshly
// loaded persisted body, producing the effective in-memory subtree
// (nil if every member ends up removed) and its representative key.
// Tombstones (nil values) remove; everything else is an upsert.
func (idx *Index) mergeUpdates(body *node, rep []byte, updates map[string][]byte) (*node, []byte, error) {
	cur, curRep := body, rep
	for k, v := range updates {
		key := []byte(k)
		if v == nil {
			if cur == nil {
				continue
			}
			newCur, newRep, removed, err := idx.remove(cur, curRep, key)
			if err != nil {
				return nil, nil, err
			}
			if removed {
				cur, curRep = newCur, newRep
			}
			continue
		}
		if cur == nil {
			cur, curRep = newLeaf(v), append([]byte(nil), key...)
			continue
		}
		newCur, newRep, err := idx.add(cur, curRep, key, v)
		if err != nil {
			return nil, nil, err
		}
		cur, curRep = newCur, newRep
	}
	return cur, curRep, nil
}

// compact walks n bottom-up. Any existing Remote whose estimated size
// has crossed the index's compaction threshold has its persisted body
// loaded, its buffer merged in, and the result recursively compacted
// (an oversized merge can itself produce an oversized subtree further
// down, so compaction recurses rather than flushing once and
// stopping). Any node - freshly merged or plain in-memory structure -
// whose estimated size crosses the threshold is then stowed as a new
// Remote with an empty buffer, bootstrapping in-memory growth out to
// the resource store. It returns the new subtree (nil if compaction
// discovered the subtree is now entirely empty, via accumulated
// tombstones) and its representative key.
func (idx *Index) compact(n *node, rep []byte) (*node, []byte, error) {
	switch n.kind {
	case kindLeaf:
		return n, rep, nil

	case kindInner:
		newLeft, newLeftRep, err := idx.compact(n.left, rep)
		if err != nil {
			return nil, nil, err
		}
		newRight, newRightRep, err := idx.compact(n.right, n.rightKey)
		if err != nil {
			return nil, nil, err
		}
		if newLeft == nil {
			return newRight, newRightRep, nil
		}
		if newRight == nil {
			return newLeft, newLeftRep, nil
		}
		rebuilt := &node{kind: kindInner, critbit: n.critbit, left: newLeft, rightKey: newRightRep, right: newRight}
		wrapped, err := idx.maybeRemote(rebuilt)
		if err != nil {
			return nil, nil, err
		}
		return wrapped, newLeftRep, nil

	case kindRemote:
		if n.estimatedSize() < idx.compactThreshold {
			return n, rep, nil
		}
		body, err := idx.loadRef(n.ref)
		if err != nil {
			return nil, nil, err
		}
		merged, mergedRep, err := idx.mergeUpdates(body, rep, n.updates)
		if err != nil {
			return nil, nil, err
		}
		if merged == nil {
			return nil, nil, nil
		}
		compacted, compactedRep, err := idx.compact(merged, mergedRep)
		if err != nil {
			return nil, nil, err
		}
		if compacted == nil {
			return nil, nil, nil
		}
		wrapped, err := idx.maybeRemote(compacted)
		if err != nil {
			return nil, nil, err
		}
		return wrapped, compactedRep, nil

	default:
		return nil, nil, errors.Errorf("lsm: unrecognized node kind %d", n.kind)
	}
}

// maybeRemote stows n as a fresh Remote if its estimated size has
// crossed the index's compaction threshold, otherwise returns it
// unchanged. n is assumed already fully compacted (no child needs
// further flushing).
func (idx *Index) maybeRemote(n *node) (*node, error) {
	if n.kind == kindRemote || n.estimatedSize() < idx.compactThreshold {
		return n, nil
	}
	ref, err := idx.stow(n)
	if err != nil {
		return nil, err
	}
	return &node{kind: kindRemote, critbit: topCritbit(n), ref: ref}, nil
}

func topCritbit(n *node) int {
	switch n.kind {
	case kindInner, kindRemote:
		return n.critbit
	default:
		return maxBits
	}
}

// estimatedSize is a cheap, non-recursive-into-Remote estimate of a
// node's weight, used by compact to decide which Remote buffers have
// grown large enough to flush.
func (n *node) estimatedSize() int {
	switch n.kind {
	case kindLeaf:
		return len(n.value) + 8
	case kindInner:
		return 24 + len(n.rightKey) + n.left.estimatedSize() + n.right.estimatedSize()
	case kindRemote:
		size := 24
		for k, v := range n.updates {
			size += len(k) + len(v) + 8
		}
		return size
	default:
		return 0
	}
}
