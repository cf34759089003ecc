package lsm

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/wikikv/corekv"
	"github.com/wikikv/corekv/resource"
)

// DefaultCacheEntries bounds the node cache when NewIndex is given
// cacheEntries <= 0.
const DefaultCacheEntries = 1024

// DefaultCompactThreshold is the estimated-size budget used when
// NewIndex is given compactThreshold <= 0.
const DefaultCompactThreshold = 64 * 1024

// Index bundles the resource layer and node cache every Tree operation
// needs to load Remote bodies. Several Trees - in practice, the
// successive versions produced by a sequence of Add/Remove/Compact
// calls against one logical LSM-tree - share one Index and its cache.
type Index struct {
	res   *resource.Store
	cache *lru.Cache

	// compactThreshold is the estimated-size budget, in bytes, above
	// which Compact flushes a Remote's update buffer into its persisted
	// body instead of leaving it buffered.
	compactThreshold int
}

// NewIndex returns an Index storing node bodies through res, caching up
// to cacheEntries deserialized Remote bodies, and flushing a Remote's
// buffer at compaction once its estimated size passes compactThreshold.
// cacheEntries <= 0 selects DefaultCacheEntries; compactThreshold <= 0
// selects DefaultCompactThreshold.
func NewIndex(res *resource.Store, cacheEntries, compactThreshold int) (*Index, error) {
	if cacheEntries <= 0 {
		cacheEntries = DefaultCacheEntries
	}
	if compactThreshold <= 0 {
		compactThreshold = DefaultCompactThreshold
	}
	cache, err := lru.New(cacheEntries)
	if err != nil {
		return nil, errors.Wrap(err, "constructing node cache")
	}
	return &Index{res: res, cache: cache, compactThreshold: compactThreshold}, nil
}

// loadRef returns the deserialized persisted body named by ref,
// consulting and populating the node cache first. The returned node's
// own Remote children, if any, are themselves left unresolved (lazy):
// only the top level is ever eagerly loaded by a single loadRef call.
func (idx *Index) loadRef(ref corekv.Hash) (*node, error) {
	if cached, ok := idx.cache.Get(ref); ok {
		return cached.(*node), nil
	}
	raw, err := idx.res.Load(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "loading lsm node %s", ref)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding lsm node %s", ref)
	}
	idx.cache.Add(ref, n)
	return n, nil
}

// stow serializes n and stows it as a resource, returning its hash and
// incrementing its ephemeral refcount the same as any other Stow. Any
// Remote node inside n is written with its update buffer, as
// encodeNode does.
func (idx *Index) stow(n *node) (corekv.Hash, error) {
	return idx.res.Stow(encodeNode(n))
}
