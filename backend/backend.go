// Package backend wraps the single-writer, multi-reader embedded
// key/value engine that corekv is built on. It exposes exactly the
// primitive the rest of the module needs: atomic batched writes, a
// durable fsync on commit, and zero-copy read transactions over two
// subspaces - data (client keys and values) and resources (hash-keyed
// blobs).
//
// It is deliberately thin: everything corekv knows about keys, values,
// hashes, and transactions lives above this package. backend only knows
// about byte slices and two bucket names.
package backend

import (
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	dataBucket     = []byte("data")
	resourceBucket = []byte("resources")
)

const lockFileName = "LOCK"

// DB is an open handle to the on-disk store.
type DB struct {
	bolt   *bolt.DB
	locker flock.Locker
	lockAt string
}

// Open opens (creating if necessary) the database directory at path.
// maxSizeMB, if positive, is passed through as the backing file's
// initial mmap size. It is not enforced as a limit: bbolt grows the
// file on demand up to the OS's available space.
//
// Open takes an exclusive sentinel lock on the directory for the
// lifetime of the returned DB, so a second Open of the same path from
// another process fails immediately instead of corrupting the first's
// view of the file.
func Open(path string, maxSizeMB int) (*DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating database directory %s", path)
	}

	locker := flock.Locker{}
	lockAt := filepath.Join(path, lockFileName)
	if err := locker.Lock(lockAt); err != nil {
		return nil, errors.Wrapf(err, "locking %s (database already open elsewhere?)", lockAt)
	}

	opts := *bolt.DefaultOptions
	if maxSizeMB > 0 {
		opts.InitialMmapSize = maxSizeMB * 1 << 20
	}

	b, err := bolt.Open(filepath.Join(path, "corekv.db"), 0o644, &opts)
	if err != nil {
		_ = locker.Unlock(lockAt)
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(resourceBucket)
		return err
	})
	if err != nil {
		_ = b.Close()
		_ = locker.Unlock(lockAt)
		return nil, errors.Wrap(err, "initializing buckets")
	}

	return &DB{bolt: b, locker: locker, lockAt: lockAt}, nil
}

// Close flushes and closes the backend, releasing the directory lock.
func (d *DB) Close() error {
	err := d.bolt.Close()
	if unlockErr := d.locker.Unlock(d.lockAt); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// Path reports the backing file's path, for diagnostics.
func (d *DB) Path() string {
	return d.bolt.Path()
}
