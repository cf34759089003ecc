// Package resource implements the resource layer: an immutable,
// content-addressed store of binary blobs, each identified by the
// secure hash of its own bytes.
//
// A freshly stowed resource is buffered in memory - not yet durable -
// until the committer decides to flush it to the backend alongside
// whatever key/value write made it worth keeping. Resources larger than
// chunkThreshold are content-defined-chunked with hashsplit and stored
// as a small tree of smaller resources, recovered transparently on
// Load; this mirrors the teacher's split.Writer/split.Read, rebuilt on
// this module's own self-delimiting codec instead of protobuf.
package resource

import (
	"sync"

	"github.com/bobg/hashsplit"
	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
	"github.com/wikikv/corekv/backend"
	"github.com/wikikv/corekv/ephroot"
)

// chunkThreshold is the size above which Stow switches from storing a
// value's bytes directly to content-defined chunking. Below it, the
// per-chunk bookkeeping isn't worth its overhead.
const chunkThreshold = 1 << 20

const (
	markerRaw     byte = 0x00
	markerChunked byte = 0x01
)

// Store is the resource layer above a backend.DB.
type Store struct {
	be  *backend.DB
	eph *ephroot.Table

	mu       sync.Mutex
	buffered map[corekv.Hash][]byte // hash -> envelope bytes, not yet durable
}

// New returns a Store persisting through be, rooting freshly stowed
// resources in eph until the Committer flushes them.
func New(be *backend.DB, eph *ephroot.Table) *Store {
	return &Store{
		be:       be,
		eph:      eph,
		buffered: make(map[corekv.Hash][]byte),
	}
}

// Stow computes H(data), buffers data (or, if large, a chunked encoding
// of it) in memory, increments the ephemeral refcount for the hash's
// id, and returns the hash. Stowing identical bytes twice is idempotent:
// the second call finds the hash already known and simply re-increfs.
//
// The incref is charged to whoever calls Stow; it is their
// responsibility to eventually decref it (in practice, a Transaction's
// stow_resource does this bookkeeping on the caller's behalf).
func (s *Store) Stow(data []byte) (corekv.Hash, error) {
	h := corekv.H(data)

	s.mu.Lock()
	_, buffered := s.buffered[h]
	s.mu.Unlock()

	if !buffered && !s.hasResourceOnDisk(h) {
		envelope, err := s.encode(data)
		if err != nil {
			return corekv.Hash{}, errors.Wrapf(err, "encoding resource %s", h)
		}
		s.mu.Lock()
		s.buffered[h] = envelope
		s.mu.Unlock()
	}

	s.eph.Incref(h.EphemeronID(), 1)
	return h, nil
}

// TryLoad returns the bytes for hash, or (nil, false) if hash names no
// known resource. It does not incref; callers that need the resource
// kept alive across the call should already hold (or be taking) an
// ephemeral root on it.
func (s *Store) TryLoad(hash corekv.Hash) ([]byte, bool, error) {
	s.mu.Lock()
	envelope, ok := s.buffered[hash]
	s.mu.Unlock()
	if ok {
		data, err := s.decode(envelope)
		return data, true, err
	}

	var (
		data  []byte
		found bool
		err   error
	)
	viewErr := s.be.View(func(snap *backend.Snapshot) error {
		raw := snap.GetResource(hash[:])
		if raw == nil {
			return nil
		}
		found = true
		envelope := make([]byte, len(raw))
		copy(envelope, raw)
		data, err = s.decode(envelope)
		return nil
	})
	if viewErr != nil {
		return nil, false, errors.Wrap(viewErr, "reading resource snapshot")
	}
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Load is TryLoad, but reports MissingResourceError instead of false.
func (s *Store) Load(hash corekv.Hash) ([]byte, error) {
	data, ok, err := s.TryLoad(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &corekv.MissingResourceError{Hash: hash}
	}
	return data, nil
}

// IsResourceLive reports whether hash is currently ephemerally rooted,
// for the Committer's last-moment safety check before deleting a GC
// candidate.
func (s *Store) IsResourceLive(hash corekv.Hash) bool {
	return s.eph.IsRooted(hash.EphemeronID())
}

// HasResource reports whether hash names a known resource, buffered or
// on disk.
func (s *Store) HasResource(hash corekv.Hash) bool {
	s.mu.Lock()
	_, ok := s.buffered[hash]
	s.mu.Unlock()
	if ok {
		return true
	}
	return s.hasResourceOnDisk(hash)
}

// WithResourceZeroCopy invokes fn with the bytes of hash. When hash
// names an unchunked, on-disk resource, those bytes are a slice
// directly into the backend's mmap'd read-transaction page: fn must
// treat them as read-only and must not retain them past its return.
// Buffered or chunked resources fall back to a materialized copy, since
// there is no single contiguous backing array to hand over zero-copy.
func (s *Store) WithResourceZeroCopy(hash corekv.Hash, fn func([]byte) error) error {
	s.mu.Lock()
	_, buffered := s.buffered[hash]
	s.mu.Unlock()
	if buffered {
		data, err := s.Load(hash)
		if err != nil {
			return err
		}
		return fn(data)
	}

	found := false
	err := s.be.View(func(snap *backend.Snapshot) error {
		raw := snap.GetResource(hash[:])
		if raw == nil {
			return nil
		}
		found = true
		if len(raw) == 0 || raw[0] != markerRaw {
			data, err := s.decode(append([]byte{}, raw...))
			if err != nil {
				return err
			}
			return fn(data)
		}
		return fn(raw[1:])
	})
	if err != nil {
		return err
	}
	if !found {
		return &corekv.MissingResourceError{Hash: hash}
	}
	return nil
}

func (s *Store) hasResourceOnDisk(hash corekv.Hash) bool {
	found := false
	_ = s.be.View(func(snap *backend.Snapshot) error {
		found = snap.HasResource(hash[:])
		return nil
	})
	return found
}

// encode produces the on-disk envelope for data: a one-byte marker plus
// payload.
func (s *Store) encode(data []byte) ([]byte, error) {
	if len(data) <= chunkThreshold {
		return append([]byte{markerRaw}, data...), nil
	}

	tb := hashsplit.NewTreeBuilder()
	var stowErr error
	spl := hashsplit.NewSplitter(func(chunk []byte, level uint) error {
		chunkHash, err := s.stowChunk(chunk)
		if err != nil {
			return err
		}
		tb.Add(chunkHash[:], len(chunk), level/4)
		return nil
	})
	spl.MinSize = 1024
	spl.SplitBits = 18
	if _, err := spl.Write(data); err != nil {
		return nil, errors.Wrap(err, "splitting large value")
	}
	if err := spl.Close(); err != nil {
		return nil, errors.Wrap(err, "closing splitter")
	}
	if stowErr != nil {
		return nil, stowErr
	}

	rootHash, err := s.stowNode(tb.Root())
	if err != nil {
		return nil, err
	}

	w := corekv.NewWriter()
	w.WriteHashLit(rootHash)
	return append([]byte{markerChunked}, w.Bytes()...), nil
}

// stowChunk buffers a leaf chunk produced by the splitter as its own
// small, raw-marked resource.
func (s *Store) stowChunk(chunk []byte) (corekv.Hash, error) {
	h := corekv.H(chunk)
	s.mu.Lock()
	if _, ok := s.buffered[h]; !ok {
		s.buffered[h] = append([]byte{markerRaw}, chunk...)
	}
	s.mu.Unlock()
	return h, nil
}

// stowNode serializes and buffers one level of the hashsplit tree.
func (s *Store) stowNode(n *hashsplit.Node) (corekv.Hash, error) {
	w := corekv.NewWriter()
	w.WriteVarNat(uint64(n.Size))
	if len(n.Leaves) > 0 {
		w.WriteVarNat(1) // leaf level
		w.WriteVarNat(uint64(len(n.Leaves)))
		for _, leafRef := range n.Leaves {
			var h corekv.Hash
			copy(h[:], leafRef)
			w.WriteHashLit(h)
		}
	} else {
		w.WriteVarNat(0) // branch
		w.WriteVarNat(uint64(len(n.Nodes)))
		for _, child := range n.Nodes {
			childHash, err := s.stowNode(child)
			if err != nil {
				return corekv.Hash{}, err
			}
			w.WriteHashLit(childHash)
		}
	}

	body := append([]byte{markerRaw}, w.Bytes()...)
	h := corekv.H(body[1:])
	s.mu.Lock()
	s.buffered[h] = body
	s.mu.Unlock()
	return h, nil
}

// decode reverses encode, reconstructing the original bytes.
func (s *Store) decode(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, errors.New("empty resource envelope")
	}
	marker, payload := envelope[0], envelope[1:]
	switch marker {
	case markerRaw:
		return payload, nil
	case markerChunked:
		r := corekv.NewReader(payload)
		rootHash, err := r.ReadHashLit()
		if err != nil {
			return nil, errors.Wrap(err, "reading chunk tree root")
		}
		var buf []byte
		if err := s.reassemble(rootHash, &buf); err != nil {
			return nil, err
		}
		return buf, nil
	default:
		return nil, errors.Errorf("unrecognized resource envelope marker %d", marker)
	}
}

func (s *Store) reassemble(nodeHash corekv.Hash, out *[]byte) error {
	nodeBody, err := s.Load(nodeHash)
	if err != nil {
		return errors.Wrapf(err, "loading chunk-tree node %s", nodeHash)
	}
	r := corekv.NewReader(nodeBody)
	if _, err := r.ReadVarNat(); err != nil { // size, informational
		return errors.Wrap(err, "reading node size")
	}
	leafLevel, err := r.ReadVarNat()
	if err != nil {
		return errors.Wrap(err, "reading node kind")
	}
	count, err := r.ReadVarNat()
	if err != nil {
		return errors.Wrap(err, "reading node child count")
	}
	for i := uint64(0); i < count; i++ {
		childHash, err := r.ReadHashLit()
		if err != nil {
			return errors.Wrap(err, "reading child hash")
		}
		if leafLevel == 1 {
			chunk, err := s.Load(childHash)
			if err != nil {
				return errors.Wrapf(err, "loading chunk %s", childHash)
			}
			*out = append(*out, chunk...)
		} else if err := s.reassemble(childHash, out); err != nil {
			return err
		}
	}
	return nil
}

// Buffered reports the hash and envelope of every resource currently
// held only in memory, for the Committer's flush step.
func (s *Store) Buffered() map[corekv.Hash][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[corekv.Hash][]byte, len(s.buffered))
	for h, v := range s.buffered {
		out[h] = v
	}
	return out
}

// Flush writes every buffered resource transitively reachable - via
// hash dependencies found in its own envelope bytes - from a hash in
// wanted, into batch. It returns the set of hashes it flushed. Callers
// (the Committer) are expected to call Forget afterward for any flushed
// hash no longer ephemerally rooted.
func (s *Store) Flush(batch *backend.Batch, wanted map[corekv.Hash]bool) (map[corekv.Hash]bool, error) {
	s.mu.Lock()
	snapshot := make(map[corekv.Hash][]byte, len(s.buffered))
	for h, v := range s.buffered {
		snapshot[h] = v
	}
	s.mu.Unlock()

	flushed := make(map[corekv.Hash]bool)
	var visit func(h corekv.Hash) error
	visit = func(h corekv.Hash) error {
		if flushed[h] {
			return nil
		}
		envelope, ok := snapshot[h]
		if !ok {
			return nil // already durable, or never buffered
		}
		if err := batch.PutResource(h[:], envelope); err != nil {
			return errors.Wrapf(err, "writing resource %s", h)
		}
		flushed[h] = true
		return corekv.IterHashDeps(envelope, visit)
	}

	for h := range wanted {
		if err := visit(h); err != nil {
			return nil, err
		}
	}
	return flushed, nil
}

// SweepUnrooted drops every buffered resource that is no longer
// ephemerally rooted, whether or not it has already been flushed to
// disk. This covers an abandoned stow, from a transaction that stowed
// bytes but was dropped before committing a write that referenced
// them. Without this sweep such an entry would sit in memory forever,
// since nothing ever asks Flush to persist it and nothing ever asks
// the backend to delete it.
func (s *Store) SweepUnrooted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.buffered {
		if !s.eph.IsRooted(h.EphemeronID()) {
			delete(s.buffered, h)
		}
	}
}

// Forget drops flushed hashes from the in-memory buffer, provided they
// are no longer ephemerally rooted. Hashes still rooted stay buffered
// (they are already durable too; keeping them buffered just avoids an
// extra backend read on the next TryLoad).
func (s *Store) Forget(flushed map[corekv.Hash]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range flushed {
		if !s.eph.IsRooted(h.EphemeronID()) {
			delete(s.buffered, h)
		}
	}
}
