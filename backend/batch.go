package backend

import (
	bolt "go.etcd.io/bbolt"
)

// Batch is a writable transaction passed to the callback given to
// DB.Update. Every write applied to a Batch is committed, and fsynced,
// atomically when the callback returns nil; none of it is visible to
// readers before that.
type Batch struct {
	tx *bolt.Tx
}

// GetValue reads the data subspace within this same transaction, so a
// Batch can validate read assumptions against writes already applied
// earlier in the same Update call.
func (b *Batch) GetValue(key []byte) []byte {
	return b.tx.Bucket(dataBucket).Get(key)
}

// PutValue binds key to value in the data subspace. An empty value is
// equivalent to DeleteValue.
func (b *Batch) PutValue(key, value []byte) error {
	if len(value) == 0 {
		return b.tx.Bucket(dataBucket).Delete(key)
	}
	return b.tx.Bucket(dataBucket).Put(key, value)
}

// DeleteValue unbinds key in the data subspace.
func (b *Batch) DeleteValue(key []byte) error {
	return b.tx.Bucket(dataBucket).Delete(key)
}

// GetResource reads the resource subspace within this same transaction.
func (b *Batch) GetResource(hash []byte) []byte {
	return b.tx.Bucket(resourceBucket).Get(hash)
}

// PutResource stores bytes under hash in the resource subspace. It is
// idempotent: storing the same hash twice is a no-op on the second call.
func (b *Batch) PutResource(hash, value []byte) error {
	return b.tx.Bucket(resourceBucket).Put(hash, value)
}

// DeleteResource removes hash from the resource subspace. Deleting a
// hash that isn't present is a silent no-op, matching the spec's
// resolution of the ephemeral-but-unknown-hash open question.
func (b *Batch) DeleteResource(hash []byte) error {
	return b.tx.Bucket(resourceBucket).Delete(hash)
}

// Update runs fn against a writable Batch. If fn returns nil, the batch
// is committed and fsynced before Update returns; if fn returns an
// error, the batch is rolled back and Update returns that error.
func (d *DB) Update(fn func(*Batch) error) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&Batch{tx: tx})
	})
}

// Sync commits an empty batch, which under bbolt's default durability
// settings forces an fsync of whatever was previously written, without
// requiring new writes of its own. The Committer uses this to advance
// durability after a batch that applied no writes (an empty or entirely
// failed proposal set).
func (d *DB) Sync() error {
	return d.Update(func(*Batch) error { return nil })
}
