// Package corekv is a persistent content-addressed value store.
//
// Values are arbitrary byte strings bound to short opaque keys, much
// like any embedded key/value database. What makes corekv different is
// that a value's bytes may themselves embed references to other binary
// resources, spelled as a fixed-width secure hash of that resource's
// content. Those resources live in their own content-addressed
// namespace: storing one returns its Hash, and loading it back later
// requires nothing but that Hash.
//
// Large resources are chunked and stowed as a tree rather than as one
// gigantic write, and recovered transparently on Load. A conservative
// garbage collector walks the key/value data and the resource graph it
// finds by scanning value bytes for hash-shaped substrings, and reclaims
// anything unreachable. "Conservative" is doing real work in that
// sentence: the scan can't tell a genuine reference from 64 bytes of
// coincidentally hash-alphabet data, so it treats every hash-shaped run
// as live. That costs a little precision and buys a GC that can never
// corrupt a database by collecting something still in use.
//
// Above the key/value layer, package lsm builds a persistent ordered
// map whose nodes are themselves resources, for callers who need an
// index bigger than memory.
//
// Writes are not applied directly. A client opens a Transaction, reads
// and writes against it, and commits; a single background committer
// batches concurrently committing transactions, validates each against
// the live database, and fsyncs the winners. This gives every commit
// optimistic compare-and-swap semantics without callers having to hold
// any lock.
package corekv
