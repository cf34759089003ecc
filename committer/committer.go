// Package committer implements the single background writer that owns
// the storage backend's write side: a bounded queue of transaction
// proposals, batched and validated against a live snapshot, applied
// atomically, and fsynced, in the style of the teacher's
// channel-plus-goroutine coordination (store/sync.go) and its
// single-writer batch/access idiom (adapted here from a blob-store
// batch to validated key/value proposals).
package committer

import (
	"bytes"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
	"github.com/wikikv/corekv/backend"
	"github.com/wikikv/corekv/resource"
)

// QueueDepth is the default bound on outstanding proposals. Submit
// blocks once the queue is full, providing natural backpressure.
const QueueDepth = 256

// Result is the outcome of a committed (or rejected) proposal.
type Result struct {
	// Committed is true iff every read assumption held and the writes
	// are now durable.
	Committed bool
	// Err is set only when the Committer itself failed - a backend
	// error or a poisoned handle - as opposed to an ordinary optimistic
	// conflict, which just reports Committed=false.
	Err error
}

// Future is returned by Submit; the caller blocks on Wait (or reads
// Done directly) to learn the outcome.
type Future struct {
	done chan Result
	once sync.Once
	res  Result
}

func newFuture() *Future {
	return &Future{done: make(chan Result, 1)}
}

func (f *Future) fulfill(r Result) {
	f.once.Do(func() {
		f.res = r
		f.done <- r
		close(f.done)
	})
}

// Wait blocks until the proposal this Future was returned for has been
// decided, and reports the outcome.
func (f *Future) Wait() (bool, error) {
	r, ok := <-f.done
	if !ok {
		r = f.res
	}
	return r.Committed, r.Err
}

// Done exposes the underlying channel for use in a select statement.
// It yields exactly one Result.
func (f *Future) Done() <-chan Result {
	return f.done
}

type proposal struct {
	reads   map[string][]byte
	writes  map[string][]byte
	deletes []corekv.Hash
	future  *Future
}

// Committer is the background writer. Construct with New, start its
// worker goroutine with Run, and stop it with Stop.
type Committer struct {
	be  *backend.DB
	res *resource.Store

	proposals chan *proposal
	stop      chan struct{}
	done      chan struct{}

	poisoned atomic.Bool
}

// New returns a Committer that will write through be and flush buffered
// resources from res. Call Run to start its worker goroutine.
func New(be *backend.DB, res *resource.Store) *Committer {
	return &Committer{
		be:        be,
		res:       res,
		proposals: make(chan *proposal, QueueDepth),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run starts the Committer's worker goroutine. It returns immediately;
// the goroutine runs until Stop is called.
func (c *Committer) Run() {
	go c.loop()
}

// Stop signals the worker to exit after it finishes any batch in
// progress, and waits for it to do so. Proposals already queued when
// Stop is called are still processed; Submit must not be called again
// after Stop returns.
func (c *Committer) Stop() {
	close(c.stop)
	<-c.done
}

// Poisoned reports whether the Committer has given up after a
// persistent backend failure.
func (c *Committer) Poisoned() bool {
	return c.poisoned.Load()
}

// Submit enqueues a proposal: reads are the caller's assumed current
// values (nil or empty means "unbound"), writes are the values to
// apply if every assumption holds. It returns a Future resolving once
// the proposal has been decided.
func (c *Committer) Submit(reads, writes map[string][]byte) *Future {
	f := newFuture()
	if c.poisoned.Load() {
		f.fulfill(Result{Err: corekv.ErrPoisoned})
		return f
	}
	p := &proposal{reads: reads, writes: writes, future: f}
	c.proposals <- p
	return f
}

// SubmitDelete enqueues a resource-deletion proposal on behalf of the
// GC. It carries no read assumptions - deletions are never optimistic -
// but it is still funneled through the same queue as ordinary writes
// so deletion serializes with them, per spec.md section 4.7's
// requirement that the sweep's deletion step interleave with writes
// through the Committer's write path. Candidates already referenced by
// a write validated in the same batch, or that have become ephemerally
// rooted again since the GC's mark phase, are silently skipped.
func (c *Committer) SubmitDelete(hashes []corekv.Hash) *Future {
	f := newFuture()
	if c.poisoned.Load() {
		f.fulfill(Result{Err: corekv.ErrPoisoned})
		return f
	}
	if len(hashes) == 0 {
		f.fulfill(Result{Committed: true})
		return f
	}
	p := &proposal{deletes: hashes, future: f}
	c.proposals <- p
	return f
}

// Sync submits an empty proposal and waits for it to be durable,
// matching KVStore.sync's contract of advancing durability for every
// write submitted earlier.
func (c *Committer) Sync() error {
	f := c.Submit(nil, nil)
	_, err := f.Wait()
	return err
}

func (c *Committer) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			c.drainRemaining()
			return
		case first := <-c.proposals:
			batch := []*proposal{first}
			batch = append(batch, c.drainQueued()...)
			c.processBatch(batch)
		}
	}
}

// drainQueued non-blockingly pulls every proposal currently waiting in
// the channel, so one wake-up of the worker processes as large a batch
// as has accumulated.
func (c *Committer) drainQueued() []*proposal {
	var extra []*proposal
	for {
		select {
		case p := <-c.proposals:
			extra = append(extra, p)
		default:
			return extra
		}
	}
}

func (c *Committer) drainRemaining() {
	for {
		select {
		case p := <-c.proposals:
			c.processBatch([]*proposal{p})
		default:
			return
		}
	}
}

// processBatch implements the per-cycle protocol of spec.md section 4.4:
// validate against a snapshot augmented by earlier-validated writes in
// this same batch, apply winners atomically, fsync, flush referenced or
// still-rooted buffered resources, and fulfill every completion slot.
func (c *Committer) processBatch(batch []*proposal) {
	if c.poisoned.Load() {
		for _, p := range batch {
			p.future.fulfill(Result{Err: corekv.ErrPoisoned})
		}
		return
	}

	validated := make([]*proposal, 0, len(batch))
	writesSoFar := make(map[string][]byte)

	err := c.be.View(func(snap *backend.Snapshot) error {
		for _, p := range batch {
			ok := true
			for k, assumed := range p.reads {
				var cur []byte
				if v, pending := writesSoFar[k]; pending {
					cur = v
				} else {
					cur = snap.GetValue([]byte(k))
				}
				if !bytes.Equal(cur, assumed) {
					ok = false
					break
				}
			}
			if ok {
				for k, v := range p.writes {
					writesSoFar[k] = v
				}
				validated = append(validated, p)
			} else {
				p.future.fulfill(Result{Committed: false})
			}
		}
		return nil
	})
	if err != nil {
		c.failBatch(batch, errors.Wrap(err, "validating batch against snapshot"))
		return
	}

	wanted := make(map[corekv.Hash]bool)
	for _, p := range validated {
		for k := range p.writes {
			for _, h := range corekv.CollectHashDeps(writesSoFar[k]) {
				wanted[h] = true
			}
		}
	}
	// Flush every still-ephemerally-rooted buffered resource too, not
	// just ones a write in this batch happens to reference: a resource
	// held live across several commits by a long-running transaction
	// must become durable promptly rather than waiting on a write that
	// may never come in the same batch it was stowed in.
	for h := range c.res.Buffered() {
		if c.res.IsResourceLive(h) {
			wanted[h] = true
		}
	}

	var deleteCandidates []corekv.Hash
	for _, p := range validated {
		deleteCandidates = append(deleteCandidates, p.deletes...)
	}

	var flushed map[corekv.Hash]bool
	updateErr := c.be.Update(func(b *backend.Batch) error {
		for _, p := range validated {
			for k, v := range p.writes {
				if err := b.PutValue([]byte(k), v); err != nil {
					return err
				}
			}
		}
		var ferr error
		flushed, ferr = c.res.Flush(b, wanted)
		if ferr != nil {
			return ferr
		}
		for _, h := range deleteCandidates {
			if wanted[h] || c.res.IsResourceLive(h) {
				continue
			}
			if err := b.DeleteResource(h[:]); err != nil {
				return err
			}
		}
		return nil
	})

	if updateErr != nil {
		c.retryAfterFailure(batch, validated, updateErr)
		return
	}

	c.res.Forget(flushed)
	c.res.SweepUnrooted()

	for _, p := range validated {
		p.future.fulfill(Result{Committed: true})
	}
}

// retryAfterFailure implements spec.md section 4.4's failure policy: the
// whole batch fails, proposals that had validated resolve false (not an
// error - their writes simply didn't land), and the batch is retried
// once with an empty flush to try to advance durability. A second
// failure poisons the handle.
func (c *Committer) retryAfterFailure(batch, validated []*proposal, firstErr error) {
	log.Printf("committer: batch write failed, retrying with empty flush: %v", firstErr)

	if err := c.be.Sync(); err != nil {
		c.poisoned.Store(true)
		log.Printf("committer: persistent backend failure, poisoning database: %v", err)
		c.failBatch(batch, corekv.ErrBackendFailure)
		return
	}

	for _, p := range validated {
		p.future.fulfill(Result{Committed: false})
	}
}

func (c *Committer) failBatch(batch []*proposal, err error) {
	for _, p := range batch {
		p.future.fulfill(Result{Err: err})
	}
}
