package kvstore

import (
	"testing"
)

func TestTransactionReadThenWriteIsSeenLocally(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	tx := db.Begin()
	if err := tx.WriteKey([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	v, err := tx.ReadKey([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v1" {
		t.Fatalf("ReadKey after local WriteKey = %q, want v1", v)
	}
	// The write is pending; it must not be visible outside the transaction.
	committed, err := db.ReadKey([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if len(committed) != 0 {
		t.Fatalf("uncommitted write leaked: ReadKey(k) = %q", committed)
	}
}

// TestTransactionalCompareAndSwap exercises two independent transactions
// racing to update the same key: the first to commit wins, and the
// second's commit fails because its read assumption is now stale.
func TestTransactionalCompareAndSwap(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	seed, err := db.WriteKey([]byte("balance"), []byte("100"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := seed.Wait(); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	tx1 := db.Begin()
	tx2 := db.Begin()

	v1, err := tx1.ReadKey([]byte("balance"))
	if err != nil {
		t.Fatal(err)
	}
	v2, err := tx2.ReadKey([]byte("balance"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v1) != "100" || string(v2) != "100" {
		t.Fatalf("both transactions should read 100: v1=%q v2=%q", v1, v2)
	}

	if err := tx1.WriteKey([]byte("balance"), []byte("150")); err != nil {
		t.Fatal(err)
	}
	if err := tx2.WriteKey([]byte("balance"), []byte("90")); err != nil {
		t.Fatal(err)
	}

	f1, err := tx1.Commit()
	if err != nil {
		t.Fatal(err)
	}
	ok1, err := f1.Wait()
	if err != nil || !ok1 {
		t.Fatalf("tx1 commit: ok=%v err=%v", ok1, err)
	}

	f2, err := tx2.Commit()
	if err != nil {
		t.Fatal(err)
	}
	ok2, err := f2.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("tx2 commit should have failed on a stale read assumption")
	}

	final, err := db.ReadKey([]byte("balance"))
	if err != nil {
		t.Fatal(err)
	}
	if string(final) != "150" {
		t.Fatalf("final balance = %q, want 150", final)
	}
}

func TestAssumeKeyConflictingAssumption(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	tx := db.Begin()
	if err := tx.AssumeKey([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tx.AssumeKey([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("repeating the same assumption should be a no-op: %v", err)
	}
	if err := tx.AssumeKey([]byte("k"), []byte("v2")); err == nil {
		t.Fatal("conflicting assumption should fail")
	}
}

func TestStowResourceChargesTransactionEphAndDropReleases(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	before := ephLen(db)

	tx := db.Begin()
	h, err := tx.StowResource([]byte("some bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if !db.res.IsResourceLive(h) {
		t.Fatal("resource should be ephemerally rooted immediately after StowResource")
	}
	if got := ephLen(db); got <= before {
		t.Fatalf("ephLen after StowResource = %d, want more than %d", got, before)
	}

	tx.Drop()
	if db.res.IsResourceLive(h) {
		t.Fatal("resource should no longer be rooted after Drop")
	}
	if got := ephLen(db); got != before {
		t.Fatalf("ephLen after Drop = %d, want back to %d", got, before)
	}
}

func TestCheckpointFoldsWritesIntoReadsAndRecomputesEph(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	tx := db.Begin()
	h, err := tx.StowResource([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ref := h.String()
	if err := tx.WriteKey([]byte("ref"), []byte(ref)); err != nil {
		t.Fatal(err)
	}

	ok, err := tx.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Checkpoint should have succeeded")
	}

	// After a successful checkpoint, writes must be empty and the write
	// must have folded into reads.
	v, err := tx.ReadKey([]byte("ref"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != ref {
		t.Fatalf("post-checkpoint ReadKey(ref) = %q, want %q", v, ref)
	}
	if len(tx.writes) != 0 {
		t.Fatalf("writes not cleared after checkpoint: %v", tx.writes)
	}

	// A second checkpoint with no new writes should still succeed and be
	// a no-op on the committed state.
	ok2, err := tx.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 {
		t.Fatal("second Checkpoint with no new writes should still succeed")
	}

	tx.Drop()
	if db.res.IsResourceLive(h) {
		t.Fatal("resource should be released once the checkpointed transaction is dropped")
	}
}

func TestCheckpointLeavesTransactionUnchangedOnFailure(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	seed, err := db.WriteKey([]byte("k"), []byte("orig"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := seed.Wait(); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	tx := db.Begin()
	if _, err := tx.ReadKey([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := tx.WriteKey([]byte("k"), []byte("from-tx")); err != nil {
		t.Fatal(err)
	}

	// Invalidate tx's read assumption behind its back.
	f, err := db.WriteKey([]byte("k"), []byte("changed-elsewhere"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(); err != nil || !ok {
		t.Fatalf("concurrent write: ok=%v err=%v", ok, err)
	}

	beforeWrites := len(tx.writes)
	beforeReads := len(tx.reads)

	ok, err := tx.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Checkpoint should fail when its read assumption is stale")
	}
	if len(tx.writes) != beforeWrites || len(tx.reads) != beforeReads {
		t.Fatal("a failed Checkpoint must leave the transaction's reads/writes unchanged")
	}
}
