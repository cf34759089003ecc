package kvstore

import (
	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
	"github.com/wikikv/corekv/committer"
)

// Transaction is a client's working set of reads and writes against a
// DB, built up with ReadKey/AssumeKey/WriteKey/StowResource and
// resolved with Commit, Checkpoint, or Drop.
//
// A Transaction does not hold a lock or a long-lived snapshot: it
// merely accumulates assumptions and intended writes, validated all
// at once by the Committer at commit time. Reads taken on separate
// calls are not mutually snapshot-consistent; see ReadKeys for a call
// that is.
type Transaction struct {
	db     *DB
	reads  map[string][]byte
	writes map[string][]byte
	// eph tracks, per ephemeron id, how much refcount this transaction
	// currently holds on db.eph - taken by ReadKey (for hash deps found
	// in a read value) and by StowResource (for the stowed resource
	// itself) - so Drop and Checkpoint know exactly what to release.
	eph map[uint64]int64
}

// ReadKey returns the value bound to k, consulting (in order) this
// transaction's own pending writes, its already-recorded reads, and
// finally the underlying database. A fresh read from the database
// scans the returned value for embedded hash dependencies and roots
// each one in tx.eph, so a client that goes on to Load a dependency it
// discovered this way cannot lose a race with the garbage collector.
func (tx *Transaction) ReadKey(k []byte) ([]byte, error) {
	if err := corekv.ValidateKey(k); err != nil {
		return nil, err
	}
	key := string(k)
	if v, ok := tx.writes[key]; ok {
		return v, nil
	}
	if v, ok := tx.reads[key]; ok {
		return v, nil
	}
	v, err := tx.db.ReadKey(k)
	if err != nil {
		return nil, err
	}
	tx.rootReadDeps(v)
	tx.reads[key] = v
	return v, nil
}

// ReadKeys is ReadKey's batched form: every key not already cached in
// this transaction is read from one shared database snapshot, so the
// batch is mutually snapshot-consistent even though the transaction as
// a whole is not.
func (tx *Transaction) ReadKeys(ks [][]byte) ([][]byte, error) {
	out := make([][]byte, len(ks))
	var missIdx []int
	var missKeys [][]byte
	for i, k := range ks {
		if err := corekv.ValidateKey(k); err != nil {
			return nil, err
		}
		key := string(k)
		if v, ok := tx.writes[key]; ok {
			out[i] = v
			continue
		}
		if v, ok := tx.reads[key]; ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missKeys = append(missKeys, k)
	}
	if len(missKeys) == 0 {
		return out, nil
	}
	values, err := tx.db.ReadKeys(missKeys)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		v := values[j]
		tx.rootReadDeps(v)
		tx.reads[string(ks[i])] = v
		out[i] = v
	}
	return out, nil
}

// AssumeKey records v as k's assumed current value without reading
// the database. A differing assumption already recorded for k is a
// programmer error, reported as ErrConflictingAssumption rather than
// silently overwritten.
func (tx *Transaction) AssumeKey(k, v []byte) error {
	if err := corekv.ValidateKey(k); err != nil {
		return err
	}
	key := string(k)
	if existing, ok := tx.reads[key]; ok {
		if string(existing) != string(v) {
			return errors.Wrapf(corekv.ErrConflictingAssumption, "key %q", k)
		}
		return nil
	}
	tx.reads[key] = append([]byte(nil), v...)
	return nil
}

// WriteKey records v as k's new value. Subsequent ReadKey calls on
// this transaction for the same key return v.
func (tx *Transaction) WriteKey(k, v []byte) error {
	if err := corekv.ValidateKey(k); err != nil {
		return err
	}
	if err := corekv.ValidateValue(v); err != nil {
		return err
	}
	tx.writes[string(k)] = append([]byte(nil), v...)
	return nil
}

// StowResource stows data in the resource layer and charges the
// refcount it takes to this transaction, so Drop or Checkpoint
// eventually accounts for it.
func (tx *Transaction) StowResource(data []byte) (corekv.Hash, error) {
	h, err := tx.db.Stow(data)
	if err != nil {
		return corekv.Hash{}, err
	}
	tx.eph[h.EphemeronID()]++
	return h, nil
}

// Commit submits this transaction's reads and writes to the Committer
// and returns a future resolving once they have been decided. Commit
// does not itself release any refcount held in tx.eph - call Drop (or
// Checkpoint, which does its own bookkeeping) once the committed data
// no longer needs this transaction's ephemeral protection.
func (tx *Transaction) Commit() (*committer.Future, error) {
	f, err := tx.db.AtomicUpdate(tx.reads, tx.writes)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Checkpoint commits, and - only if the commit succeeds - folds writes
// into reads and recomputes tx.eph from that new reads set alone,
// letting the transaction continue accumulating further reads and
// writes on top of what it just made durable. On a failed or errored
// commit, the transaction is left completely unchanged so the caller
// can inspect or retry it.
func (tx *Transaction) Checkpoint() (bool, error) {
	f, err := tx.Commit()
	if err != nil {
		return false, err
	}
	ok, err := f.Wait()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	newReads := make(map[string][]byte, len(tx.reads)+len(tx.writes))
	for k, v := range tx.reads {
		newReads[k] = v
	}
	for k, v := range tx.writes {
		newReads[k] = v
	}
	newEph := make(map[uint64]int64)
	for _, v := range newReads {
		corekv.FoldHashDeps(v, struct{}{}, func(_ struct{}, h corekv.Hash) struct{} {
			newEph[h.EphemeronID()]++
			return struct{}{}
		})
	}

	tx.db.eph.AddMany(newEph)
	tx.db.eph.RemoveMany(tx.eph)

	tx.reads = newReads
	tx.writes = make(map[string][]byte)
	tx.eph = newEph
	return true, nil
}

// Drop releases every refcount this transaction holds in the
// ephemeral root table, abandoning any pending reads and writes. A
// dropped transaction must not be used again.
func (tx *Transaction) Drop() {
	tx.db.eph.RemoveMany(tx.eph)
	tx.eph = make(map[uint64]int64)
	tx.reads = make(map[string][]byte)
	tx.writes = make(map[string][]byte)
}

// rootReadDeps scans v for hash dependencies and roots each occurrence
// found in both the shared ephemeral root table and this
// transaction's own accounting of what it holds there.
func (tx *Transaction) rootReadDeps(v []byte) {
	corekv.FoldHashDeps(v, struct{}{}, func(_ struct{}, h corekv.Hash) struct{} {
		tx.db.eph.Incref(h.EphemeronID(), 1)
		tx.eph[h.EphemeronID()]++
		return struct{}{}
	})
}
