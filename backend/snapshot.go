package backend

import (
	bolt "go.etcd.io/bbolt"
)

// Snapshot is a short-lived, read-only view of the backend, valid only
// for the duration of the callback passed to DB.View. Byte slices it
// returns point directly into bbolt's mmap'd pages: callers must not
// retain them, or mutate through them, past the callback's return.
type Snapshot struct {
	tx *bolt.Tx
}

// GetValue returns the data-subspace value bound to key, or nil if key
// is unbound. The returned slice is zero-copy and short-lived; see
// Snapshot's doc comment.
func (s *Snapshot) GetValue(key []byte) []byte {
	return s.tx.Bucket(dataBucket).Get(key)
}

// GetResource returns the resource-subspace bytes for hash, or nil if
// absent. The returned slice is zero-copy and short-lived.
func (s *Snapshot) GetResource(hash []byte) []byte {
	return s.tx.Bucket(resourceBucket).Get(hash)
}

// HasResource reports whether hash is bound in the resource subspace.
func (s *Snapshot) HasResource(hash []byte) bool {
	return s.GetResource(hash) != nil
}

// ForEachKey calls f for every (key, value) pair in the data subspace
// whose key sorts strictly after start, in lexicographic order, until f
// returns an error or false, or the subspace is exhausted. A nil start
// begins at the smallest key.
func (s *Snapshot) ForEachKey(start []byte, f func(key, value []byte) (bool, error)) error {
	c := s.tx.Bucket(dataBucket).Cursor()
	var k, v []byte
	if start == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(start)
		if k != nil && string(k) == string(start) {
			k, v = c.Next()
		}
	}
	for ; k != nil; k, v = c.Next() {
		cont, err := f(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// ForEachResource calls f for every (hash, bytes) pair in the resource
// subspace, in lexicographic order of hash, until f returns an error or
// false.
func (s *Snapshot) ForEachResource(f func(hash, value []byte) (bool, error)) error {
	c := s.tx.Bucket(resourceBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		cont, err := f(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// View runs fn against a read-only snapshot of the backend.
func (d *DB) View(fn func(*Snapshot) error) error {
	return d.bolt.View(func(tx *bolt.Tx) error {
		return fn(&Snapshot{tx: tx})
	})
}
