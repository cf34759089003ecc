package kvstore

import (
	"bytes"
	"time"

	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
	"github.com/wikikv/corekv/backend"
	"github.com/wikikv/corekv/committer"
	"github.com/wikikv/corekv/ephroot"
	"github.com/wikikv/corekv/gc"
	"github.com/wikikv/corekv/resource"
)

// DefaultGCInterval is the sweep interval used when Options.GCInterval
// is left at its zero value.
const DefaultGCInterval = 30 * time.Second

// DefaultGCFanout is the marking fanout used when Options.GCFanout is
// left at its zero value; see gc.DefaultFanout.
const DefaultGCFanout = gc.DefaultFanout

// Options configures Open.
type Options struct {
	// Path is the database directory, created if it does not exist.
	Path string
	// MaxSizeMB bounds the backend's initial mmap size. Zero selects the
	// backend's own default.
	MaxSizeMB int
	// GCInterval is the period between background garbage-collection
	// passes. Zero selects DefaultGCInterval.
	GCInterval time.Duration
	// GCFanout bounds concurrent resource loads within a single wave of
	// a GC pass. Zero selects DefaultGCFanout.
	GCFanout int
}

// DB is an open handle to one corekv database: the storage backend,
// its ephemeral root table, resource layer, background committer, and
// background garbage collector, wired together.
type DB struct {
	be  *backend.DB
	eph *ephroot.Table
	res *resource.Store
	com *committer.Committer
	gc  *gc.Sweeper
}

// Open opens (creating if necessary) the database at opts.Path and
// starts its background committer and garbage collector. Call Close
// when done.
func Open(opts Options) (*DB, error) {
	be, err := backend.Open(opts.Path, opts.MaxSizeMB)
	if err != nil {
		return nil, errors.Wrap(err, "opening backend")
	}

	eph := ephroot.New()
	res := resource.New(be, eph)
	com := committer.New(be, res)
	com.Run()

	fanout := opts.GCFanout
	if fanout <= 0 {
		fanout = DefaultGCFanout
	}
	sweeper := gc.New(be, res, com, fanout)

	interval := opts.GCInterval
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	sweeper.Run(interval)

	return &DB{be: be, eph: eph, res: res, com: com, gc: sweeper}, nil
}

// Close stops the background garbage collector and committer, then
// closes the storage backend.
func (db *DB) Close() error {
	db.gc.Stop()
	db.com.Stop()
	return db.be.Close()
}

// Poisoned reports whether the database handle has given up after a
// persistent backend failure. Every DB method that reads, writes,
// stows, loads or syncs checks this synchronously and fails fast with corekv.ErrPoisoned rather than
// waiting for a Committer round trip to discover it.
func (db *DB) Poisoned() bool {
	return db.com.Poisoned()
}

// Begin returns a fresh Transaction against db.
func (db *DB) Begin() *Transaction {
	return &Transaction{
		db:     db,
		reads:  make(map[string][]byte),
		writes: make(map[string][]byte),
		eph:    make(map[uint64]int64),
	}
}

// Stow delegates to the resource layer directly, outside any
// transaction's bookkeeping. Most callers should prefer
// Transaction.StowResource, which charges the refcount to the
// transaction so Drop or a successful Commit can account for it;
// Stow is for callers managing resource lifetime by other means (for
// instance, package lsm's own node store).
func (db *DB) Stow(data []byte) (corekv.Hash, error) {
	if db.Poisoned() {
		return corekv.Hash{}, corekv.ErrPoisoned
	}
	return db.res.Stow(data)
}

// Load delegates to the resource layer.
func (db *DB) Load(hash corekv.Hash) ([]byte, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	return db.res.Load(hash)
}

// ReadKey returns the current value bound to k, or an empty slice if
// k is unbound.
func (db *DB) ReadKey(k []byte) ([]byte, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	if err := corekv.ValidateKey(k); err != nil {
		return nil, err
	}
	var v []byte
	err := db.be.View(func(snap *backend.Snapshot) error {
		v = append([]byte(nil), snap.GetValue(k)...)
		return nil
	})
	return v, err
}

// ReadKeys returns the current values bound to each of ks, in the same
// order, snapshot-consistent across the whole slice.
func (db *DB) ReadKeys(ks [][]byte) ([][]byte, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	for _, k := range ks {
		if err := corekv.ValidateKey(k); err != nil {
			return nil, err
		}
	}
	values := make([][]byte, len(ks))
	err := db.be.View(func(snap *backend.Snapshot) error {
		for i, k := range ks {
			values[i] = append([]byte(nil), snap.GetValue(k)...)
		}
		return nil
	})
	return values, err
}

// AtomicUpdate submits a compare-and-swap proposal: writes lands iff
// every (key, assumed value) pair in reads still holds, checked
// against the live database by the Committer. It returns a future
// resolving once the proposal has been decided.
func (db *DB) AtomicUpdate(reads, writes map[string][]byte) (*committer.Future, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	if err := validateReads(reads); err != nil {
		return nil, err
	}
	if err := validateWrites(writes); err != nil {
		return nil, err
	}
	return db.com.Submit(reads, writes), nil
}

// WriteKey submits an unconditional write, returning a future that
// resolves true once it is durable.
func (db *DB) WriteKey(k, v []byte) (*committer.Future, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	if err := corekv.ValidateKey(k); err != nil {
		return nil, err
	}
	if err := corekv.ValidateValue(v); err != nil {
		return nil, err
	}
	return db.com.Submit(nil, map[string][]byte{string(k): v}), nil
}

// Sync blocks until every write submitted before this call is durable.
func (db *DB) Sync() error {
	if db.Poisoned() {
		return corekv.ErrPoisoned
	}
	return db.com.Sync()
}

// TestReadAssumptions reports the first key in reads (in map iteration
// order - callers needing a deterministic order should call this once
// per key) whose current value differs from its assumed value, or nil
// if every assumption currently holds. It is a convenience for
// clients that want to probe likely conflicts before paying for a
// round trip through the Committer.
func (db *DB) TestReadAssumptions(reads map[string][]byte) ([]byte, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	var mismatch []byte
	err := db.be.View(func(snap *backend.Snapshot) error {
		for k, assumed := range reads {
			cur := snap.GetValue([]byte(k))
			if !bytes.Equal(cur, assumed) {
				mismatch = []byte(k)
				return nil
			}
		}
		return nil
	})
	return mismatch, err
}

// DiscoverKeys returns up to nMax keys, lexicographically ordered,
// strictly following prev (or starting from the smallest key if prev
// is nil), restricted to keys currently bound to a non-empty value.
func (db *DB) DiscoverKeys(prev []byte, nMax int) ([][]byte, error) {
	if db.Poisoned() {
		return nil, corekv.ErrPoisoned
	}
	if nMax <= 0 {
		return nil, nil
	}
	var keys [][]byte
	err := db.be.View(func(snap *backend.Snapshot) error {
		return snap.ForEachKey(prev, func(k, v []byte) (bool, error) {
			if len(v) == 0 {
				return true, nil
			}
			keys = append(keys, append([]byte(nil), k...))
			return len(keys) < nMax, nil
		})
	})
	return keys, err
}

func validateReads(reads map[string][]byte) error {
	for k, v := range reads {
		if err := corekv.ValidateKey([]byte(k)); err != nil {
			return err
		}
		if err := corekv.ValidateValue(v); err != nil {
			return err
		}
	}
	return nil
}

func validateWrites(writes map[string][]byte) error {
	for k, v := range writes {
		if err := corekv.ValidateKey([]byte(k)); err != nil {
			return err
		}
		if err := corekv.ValidateValue(v); err != nil {
			return err
		}
	}
	return nil
}
