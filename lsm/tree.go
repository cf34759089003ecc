// Package lsm implements the log-structured-merge-style key/value
// index described by spec.md section 4.8: a crit-bit trie whose
// subtrees can be stowed as their own content-addressed resources
// (Remote nodes) and lazily reloaded, with inserts against an
// unloaded Remote accumulating in an in-memory update buffer instead
// of forcing a load, and periodic compaction discharging an oversized
// buffer back into the persisted structure.
//
// The trie discriminates on keys bit by bit, generalizing the fixed-
// depth, hash-of-key radix trie the teacher's schema/tree.go builds
// for its directory nodes (treeSet/treeLookup/nthbit) into a variable-
// depth crit-bit trie keyed on the real key bytes, with Remote standing
// in for what that file would have recursed into a child resource for.
package lsm

import (
	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
)

// ErrKeyNotFound is returned by Find (not TryFind or ContainsKey) when
// the key is absent.
var ErrKeyNotFound = errors.New("lsm: key not found")

// Tree is one immutable version of an LSM-tree. The zero Tree is not
// meaningful on its own; obtain one from an Index's Empty or
// Singleton, or from Deserialize.
type Tree struct {
	idx      *Index
	leastKey []byte
	root     *node // nil iff the tree holds no keys
}

// Empty returns the empty tree.
func (idx *Index) Empty() *Tree {
	return &Tree{idx: idx}
}

// Singleton returns a tree holding exactly (key, value).
func (idx *Index) Singleton(key, value []byte) *Tree {
	return &Tree{idx: idx, leastKey: append([]byte(nil), key...), root: newLeaf(value)}
}

// IsEmpty reports whether t holds no keys.
func (t *Tree) IsEmpty() bool {
	return t.root == nil
}

// TryFind returns the value bound to key, or (nil, false) if key is
// unbound. It may load one or more Remote nodes from the backing
// resource store.
func (t *Tree) TryFind(key []byte) ([]byte, bool, error) {
	if t.root == nil {
		return nil, false, nil
	}
	return t.idx.tryFind(t.root, t.leastKey, key)
}

// ContainsKey reports whether key is bound in t.
func (t *Tree) ContainsKey(key []byte) (bool, error) {
	_, ok, err := t.TryFind(key)
	return ok, err
}

// Find returns the value bound to key, or ErrKeyNotFound if key is
// unbound.
func (t *Tree) Find(key []byte) ([]byte, error) {
	v, ok, err := t.TryFind(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// Add returns a new tree with (key, value) bound, leaving t itself
// untouched. Adding to a Remote subtree that is currently within
// range never loads it; the insert lands in that Remote's update
// buffer instead, to be discharged by a later Compact.
func (t *Tree) Add(key, value []byte) (*Tree, error) {
	if t.root == nil {
		return t.idx.Singleton(key, value), nil
	}
	newRoot, newRep, err := t.idx.add(t.root, t.leastKey, key, value)
	if err != nil {
		return nil, errors.Wrapf(err, "adding key %q", key)
	}
	return &Tree{idx: t.idx, leastKey: newRep, root: newRoot}, nil
}

// Remove returns a new tree with key unbound, leaving t itself
// untouched. Unlike Add, Remove always loads and merges any Remote
// node on the path to key, since a correct deletion decision needs
// the real structure, not just the buffer.
func (t *Tree) Remove(key []byte) (*Tree, error) {
	if t.root == nil {
		return t, nil
	}
	newRoot, newRep, removed, err := t.idx.remove(t.root, t.leastKey, key)
	if err != nil {
		return nil, errors.Wrapf(err, "removing key %q", key)
	}
	if !removed {
		return t, nil
	}
	if newRoot == nil {
		return t.idx.Empty(), nil
	}
	return &Tree{idx: t.idx, leastKey: newRep, root: newRoot}, nil
}

// Compact discharges any Remote node whose estimated size has crossed
// the index's compaction threshold: it loads the node's persisted
// body, merges the buffer into it, recursively compacts the result,
// and re-stows it under a fresh hash with an empty buffer. Remote
// nodes under the threshold are left untouched. Compact never needs
// to load a Remote it isn't flushing.
func (t *Tree) Compact() (*Tree, error) {
	if t.root == nil {
		return t, nil
	}
	newRoot, newRep, err := t.idx.compact(t.root, t.leastKey)
	if err != nil {
		return nil, errors.Wrap(err, "compacting")
	}
	if newRoot == nil {
		return t.idx.Empty(), nil
	}
	return &Tree{idx: t.idx, leastKey: newRep, root: newRoot}, nil
}

// EstimatedSize estimates, in bytes, the in-memory weight of t: the
// sum of its materialized structure plus every Remote node's buffer,
// excluding whatever is already safely stowed in a Remote's persisted
// body. A tree that has just been compacted has a small estimated
// size regardless of how many keys it holds.
func (t *Tree) EstimatedSize() int {
	if t.root == nil {
		return 0
	}
	return t.root.estimatedSize()
}

// Serialize encodes t for storage as a resource. Remote children are
// written as hash references, not expanded; Serialize never loads
// anything.
func (t *Tree) Serialize() []byte {
	w := corekv.NewWriter()
	if t.root == nil {
		w.WriteVarNat(0) // empty marker
		return w.Bytes()
	}
	w.WriteVarNat(1)
	w.WriteByteString(t.leastKey)
	writeNode(w, t.root)
	return w.Bytes()
}

// Deserialize decodes bytes produced by Serialize into a tree backed
// by idx.
func (idx *Index) Deserialize(data []byte) (*Tree, error) {
	r := corekv.NewReader(data)
	tag, err := r.ReadVarNat()
	if err != nil {
		return nil, errors.Wrap(err, "reading tree tag")
	}
	if tag == 0 {
		return idx.Empty(), nil
	}
	leastKey, err := r.ReadByteString()
	if err != nil {
		return nil, errors.Wrap(err, "reading tree least-key")
	}
	root, err := readNode(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading tree root node")
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after serialized tree")
	}
	return &Tree{idx: idx, leastKey: leastKey, root: root}, nil
}

// StowRoot stows the current root as a top-level Remote node, for
// callers that want to hand off a whole tree version as a single hash
// (for instance, to bind it under a KVStore key). It does not compact
// first; callers that want a bounded-size handle should Compact
// before StowRoot.
func (t *Tree) StowRoot() (corekv.Hash, error) {
	if t.root == nil {
		return corekv.ZeroHash, nil
	}
	return t.idx.stow(t.root)
}
