package kvstore

import (
	"os"
	"testing"
)

func newTestDB(t *testing.T) (*DB, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "corekv-kvstore-test")
	if err != nil {
		t.Fatal(err)
	}
	db, err := Open(Options{Path: dir})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}
	return db, cleanup
}

func mustSync(t *testing.T, db *DB) {
	t.Helper()
	if err := db.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func ephLen(db *DB) int {
	return db.eph.Len()
}

func TestWriteKeyThenReadKey(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	f, err := db.WriteKey([]byte("a"), []byte("1"))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.Wait()
	if err != nil || !ok {
		t.Fatalf("WriteKey future: ok=%v err=%v", ok, err)
	}

	v, err := db.ReadKey([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "1" {
		t.Fatalf("ReadKey = %q, want 1", v)
	}
}

func TestReadKeyUnboundIsEmpty(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	v, err := db.ReadKey([]byte("nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 0 {
		t.Fatalf("ReadKey(unbound) = %q, want empty", v)
	}
}

func TestReadKeysSnapshotConsistent(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	for _, pair := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		f, err := db.WriteKey([]byte(pair[0]), []byte(pair[1]))
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := f.Wait(); err != nil || !ok {
			t.Fatalf("WriteKey(%s): ok=%v err=%v", pair[0], ok, err)
		}
	}

	values, err := db.ReadKeys([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("missing")})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1", "2", "3", ""}
	for i, w := range want {
		if string(values[i]) != w {
			t.Fatalf("ReadKeys[%d] = %q, want %q", i, values[i], w)
		}
	}
}

func TestAtomicUpdateConflict(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	f, err := db.WriteKey([]byte("x"), []byte("orig"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	// A proposal whose read assumption is stale must fail, not error.
	f2, err := db.AtomicUpdate(
		map[string][]byte{"x": []byte("stale")},
		map[string][]byte{"x": []byte("new")},
	)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f2.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("AtomicUpdate with stale assumption should not commit")
	}

	v, err := db.ReadKey([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "orig" {
		t.Fatalf("ReadKey(x) = %q, want unchanged orig", v)
	}
}

func TestAtomicUpdateRejectsInvalidReadKey(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	_, err := db.AtomicUpdate(
		map[string][]byte{"": []byte("anything")}, // empty key is invalid
		map[string][]byte{"x": []byte("new")},
	)
	if err == nil {
		t.Fatal("AtomicUpdate should reject an invalid key in reads")
	}

	// The invalid proposal must never have reached the Committer: a
	// subsequent, otherwise-unconditional write must still succeed.
	f, err := db.WriteKey([]byte("x"), []byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(); err != nil || !ok {
		t.Fatalf("WriteKey after rejected AtomicUpdate: ok=%v err=%v", ok, err)
	}
}

func TestAtomicUpdateCompareAndSwap(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	f, err := db.WriteKey([]byte("x"), []byte("orig"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	f2, err := db.AtomicUpdate(
		map[string][]byte{"x": []byte("orig")},
		map[string][]byte{"x": []byte("swapped")},
	)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f2.Wait()
	if err != nil || !ok {
		t.Fatalf("AtomicUpdate: ok=%v err=%v", ok, err)
	}

	v, err := db.ReadKey([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "swapped" {
		t.Fatalf("ReadKey(x) = %q, want swapped", v)
	}
}

func TestStowAndLoad(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	h, err := db.Stow([]byte("hello resource"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.Load(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello resource" {
		t.Fatalf("Load = %q", got)
	}
}

func TestTestReadAssumptions(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	f, err := db.WriteKey([]byte("k"), []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	mismatch, err := db.TestReadAssumptions(map[string][]byte{"k": []byte("v1")})
	if err != nil {
		t.Fatal(err)
	}
	if mismatch != nil {
		t.Fatalf("TestReadAssumptions found a mismatch for a correct assumption: %q", mismatch)
	}

	mismatch, err = db.TestReadAssumptions(map[string][]byte{"k": []byte("stale")})
	if err != nil {
		t.Fatal(err)
	}
	if string(mismatch) != "k" {
		t.Fatalf("TestReadAssumptions = %q, want k", mismatch)
	}
}

func TestDiscoverKeysOrderedAndFiltersEmpty(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	for _, k := range []string{"b", "a", "c"} {
		f, err := db.WriteKey([]byte(k), []byte("v"))
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := f.Wait(); err != nil || !ok {
			t.Fatalf("WriteKey(%s): ok=%v err=%v", k, ok, err)
		}
	}
	// Binding "d" to empty should not show up in discovery.
	f, err := db.WriteKey([]byte("d"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(); err != nil || !ok {
		t.Fatalf("WriteKey(d): ok=%v err=%v", ok, err)
	}

	keys, err := db.DiscoverKeys(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("DiscoverKeys returned %d keys, want 3: %q", len(keys), keys)
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(keys[i]) != want {
			t.Fatalf("DiscoverKeys[%d] = %q, want %q", i, keys[i], want)
		}
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	mustSync(t, db)
	mustSync(t, db)
}
