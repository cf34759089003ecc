package gc

import (
	"os"
	"testing"
	"time"

	"github.com/wikikv/corekv/backend"
	"github.com/wikikv/corekv/committer"
	"github.com/wikikv/corekv/ephroot"
	"github.com/wikikv/corekv/resource"
)

type fixture struct {
	be  *backend.DB
	res *resource.Store
	eph *ephroot.Table
	com *committer.Committer
	gc  *Sweeper
}

func newFixture(t *testing.T) (*fixture, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "corekv-gc-test")
	if err != nil {
		t.Fatal(err)
	}
	be, err := backend.Open(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	eph := ephroot.New()
	res := resource.New(be, eph)
	com := committer.New(be, res)
	com.Run()
	g := New(be, res, com, 4)

	cleanup := func() {
		com.Stop()
		be.Close()
		os.RemoveAll(dir)
	}
	return &fixture{be: be, res: res, eph: eph, com: com, gc: g}, cleanup
}

func TestStowLoadGCRoundTrip(t *testing.T) {
	fx, cleanup := newFixture(t)
	defer cleanup()

	h, err := fx.res.Stow([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := fx.res.Load(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("Load = %q", got)
	}

	// Commit an unrelated, empty transaction and drop the only
	// ephemeral root on h.
	f := fx.com.Submit(nil, nil)
	if _, err := f.Wait(); err != nil {
		t.Fatal(err)
	}
	fx.eph.Decref(h.EphemeronID(), 1)

	if _, err := fx.gc.RunOnce(); err != nil {
		t.Fatal(err)
	}

	if fx.res.HasResource(h) {
		t.Fatal("want unreferenced, unrooted resource gone after a GC pass")
	}
}

func TestCommittedKeyRootPreventsGC(t *testing.T) {
	fx, cleanup := newFixture(t)
	defer cleanup()

	h, err := fx.res.Stow([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	// Root h under a key, durably, before releasing the transaction's
	// own ephemeral hold.
	f := fx.com.Submit(nil, map[string][]byte{"root": []byte(h.String())})
	ok, err := f.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("want commit to succeed")
	}
	fx.eph.Decref(h.EphemeronID(), 1)

	if _, err := fx.gc.RunOnce(); err != nil {
		t.Fatal(err)
	}

	if !fx.res.HasResource(h) {
		t.Fatal("want resource rooted by a committed key to survive GC")
	}
}

func TestConservativeReferenceSurvivesGC(t *testing.T) {
	fx, cleanup := newFixture(t)
	defer cleanup()

	h, err := fx.res.Stow([]byte("small binary"))
	if err != nil {
		t.Fatal(err)
	}

	value := []byte("prefix " + h.String() + " suffix")
	f := fx.com.Submit(nil, map[string][]byte{"root": value})
	ok, err := f.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("want commit to succeed")
	}
	fx.eph.Decref(h.EphemeronID(), 1)

	if _, err := fx.gc.RunOnce(); err != nil {
		t.Fatal(err)
	}

	got, err := fx.res.Load(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "small binary" {
		t.Fatalf("Load = %q", got)
	}
}

func TestMarkFollowsTransitiveReferences(t *testing.T) {
	fx, cleanup := newFixture(t)
	defer cleanup()

	leaf, err := fx.res.Stow([]byte("leaf bytes"))
	if err != nil {
		t.Fatal(err)
	}
	middle, err := fx.res.Stow([]byte("wraps " + leaf.String()))
	if err != nil {
		t.Fatal(err)
	}

	f := fx.com.Submit(nil, map[string][]byte{"root": []byte(middle.String())})
	ok, err := f.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("want commit to succeed")
	}
	fx.eph.Decref(leaf.EphemeronID(), 1)
	fx.eph.Decref(middle.EphemeronID(), 1)

	if _, err := fx.gc.RunOnce(); err != nil {
		t.Fatal(err)
	}

	if !fx.res.HasResource(middle) {
		t.Fatal("want directly referenced resource to survive")
	}
	if !fx.res.HasResource(leaf) {
		t.Fatal("want transitively referenced resource to survive a conservative scan")
	}
}

func TestRunStopLoop(t *testing.T) {
	fx, cleanup := newFixture(t)
	defer cleanup()

	fx.gc.Run(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	fx.gc.Stop()
}
