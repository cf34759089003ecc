package lsm

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
)

const (
	tagLeaf   = 0
	tagInner  = 1
	tagRemote = 2
)

// encodeNode serializes n for storage as a resource. A Remote's
// update buffer is part of the encoding - compact decides when to
// discharge it, not the codec - so a round trip through encode/decode
// preserves a node exactly, buffer included.
func encodeNode(n *node) []byte {
	w := corekv.NewWriter()
	writeNode(w, n)
	return w.Bytes()
}

func writeNode(w *corekv.Writer, n *node) {
	switch n.kind {
	case kindLeaf:
		w.WriteVarNat(tagLeaf)
		w.WriteByteString(n.value)

	case kindInner:
		w.WriteVarNat(tagInner)
		w.WriteVarNat(uint64(n.critbit))
		w.WriteByteString(n.rightKey)
		writeNode(w, n.left)
		writeNode(w, n.right)

	case kindRemote:
		w.WriteVarNat(tagRemote)
		w.WriteVarNat(uint64(n.critbit))
		w.WriteHashLit(n.ref)
		keys := make([]string, 0, len(n.updates))
		for k := range n.updates {
			keys = append(keys, k)
		}
		sort.Strings(keys) // deterministic encoding
		w.WriteVarNat(uint64(len(keys)))
		for _, k := range keys {
			v := n.updates[k]
			w.WriteByteString([]byte(k))
			w.WriteVarNat(uint64(boolToInt(v == nil)))
			if v != nil {
				w.WriteByteString(v)
			}
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeNode(data []byte) (*node, error) {
	r := corekv.NewReader(data)
	n, err := readNode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after lsm node")
	}
	return n, nil
}

func readNode(r *corekv.Reader) (*node, error) {
	tag, err := r.ReadVarNat()
	if err != nil {
		return nil, errors.Wrap(err, "reading node tag")
	}
	switch tag {
	case tagLeaf:
		value, err := r.ReadByteString()
		if err != nil {
			return nil, errors.Wrap(err, "reading leaf value")
		}
		return &node{kind: kindLeaf, value: value}, nil

	case tagInner:
		cb, err := r.ReadVarNat()
		if err != nil {
			return nil, errors.Wrap(err, "reading inner critbit")
		}
		rightKey, err := r.ReadByteString()
		if err != nil {
			return nil, errors.Wrap(err, "reading inner right-key")
		}
		left, err := readNode(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading inner left child")
		}
		right, err := readNode(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading inner right child")
		}
		return &node{kind: kindInner, critbit: int(cb), left: left, rightKey: rightKey, right: right}, nil

	case tagRemote:
		cb, err := r.ReadVarNat()
		if err != nil {
			return nil, errors.Wrap(err, "reading remote critbit")
		}
		ref, err := r.ReadHashLit()
		if err != nil {
			return nil, errors.Wrap(err, "reading remote reference")
		}
		count, err := r.ReadVarNat()
		if err != nil {
			return nil, errors.Wrap(err, "reading remote update count")
		}
		updates := make(map[string][]byte, count)
		for i := uint64(0); i < count; i++ {
			key, err := r.ReadByteString()
			if err != nil {
				return nil, errors.Wrap(err, "reading remote update key")
			}
			tomb, err := r.ReadVarNat()
			if err != nil {
				return nil, errors.Wrap(err, "reading remote update tombstone flag")
			}
			if tomb != 0 {
				updates[string(key)] = nil
				continue
			}
			value, err := r.ReadByteString()
			if err != nil {
				return nil, errors.Wrap(err, "reading remote update value")
			}
			updates[string(key)] = value
		}
		return &node{kind: kindRemote, critbit: int(cb), updates: updates, ref: ref}, nil

	default:
		return nil, errors.Errorf("lsm: unrecognized node tag %d", tag)
	}
}
