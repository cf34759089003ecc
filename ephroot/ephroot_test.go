package ephroot

import "testing"

func TestIncrefDecref(t *testing.T) {
	tb := New()
	if tb.IsRooted(1) {
		t.Fatal("fresh table should not root anything")
	}

	tb.Incref(1, 1)
	if !tb.IsRooted(1) {
		t.Fatal("want id 1 rooted after incref")
	}

	tb.Incref(1, 2)
	tb.Decref(1, 2)
	if !tb.IsRooted(1) {
		t.Fatal("want id 1 still rooted: net count is 1")
	}

	tb.Decref(1, 1)
	if tb.IsRooted(1) {
		t.Fatal("want id 1 unrooted once its count reaches zero")
	}
}

func TestAddManyRemoveMany(t *testing.T) {
	tb := New()
	tb.AddMany(map[uint64]int64{1: 1, 2: 3})
	if !tb.IsRooted(1) || !tb.IsRooted(2) {
		t.Fatal("want both ids rooted")
	}
	if tb.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tb.Len())
	}

	tb.RemoveMany(map[uint64]int64{1: 1, 2: 1})
	if tb.IsRooted(1) {
		t.Fatal("id 1 should be unrooted")
	}
	if !tb.IsRooted(2) {
		t.Fatal("id 2 should still be rooted (count 2)")
	}
}

func TestDecrefPastZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("want panic decref-ing past zero")
		}
	}()
	tb := New()
	tb.Decref(1, 1)
}

func TestCollisionIsSafeOverApproximation(t *testing.T) {
	// Two distinct hashes colliding on the same ephemeron id must never
	// cause one's decref to unroot the other prematurely.
	tb := New()
	const id = uint64(42)
	tb.Incref(id, 1) // "hash A"
	tb.Incref(id, 1) // "hash B", collides with A
	tb.Decref(id, 1) // A's transaction drops
	if !tb.IsRooted(id) {
		t.Fatal("collided id should still be rooted while B's reference is outstanding")
	}
}
