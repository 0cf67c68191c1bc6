package compose

import (
	"context"
	"hash/maphash"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-scene/sdfpath"
)

type indexShard struct {
	mu      sync.Mutex
	indices map[sdfpath.Path]*PrimIndex
}

// IndexCache memoizes prim indices per path and records which layer sites
// each index consumed, so edits can be traced back to the indices they
// invalidate. Population of one path is shared by concurrent callers.
//
// Invalidation must not race with population: callers invalidate while
// readers are excluded, as the stage does from its change processor.
type IndexCache struct {
	ix     *Indexer
	seed   maphash.Seed
	shards []*indexShard
	builds singleflight.Group

	depMu sync.RWMutex
	deps  map[Dependency]map[sdfpath.Path]struct{}

	hits   atomic.Int64
	misses atomic.Int64
}

// NewIndexCache constructs an empty cache over ix.
func NewIndexCache(ix *Indexer, opts ...CacheOption) *IndexCache {
	cfg := applyCacheOptions(opts)
	c := &IndexCache{
		ix:   ix,
		seed: maphash.MakeSeed(),
		deps: make(map[Dependency]map[sdfpath.Path]struct{}),
	}
	c.shards = make([]*indexShard, cfg.shards)
	for i := range c.shards {
		c.shards[i] = &indexShard{indices: make(map[sdfpath.Path]*PrimIndex)}
	}
	return c
}

// Indexer returns the indexer the cache computes with.
func (c *IndexCache) Indexer() *Indexer { return c.ix }

func (c *IndexCache) shard(p sdfpath.Path) *indexShard {
	return c.shards[maphash.String(c.seed, p.String())%uint64(len(c.shards))]
}

// Peek returns a cached index without computing it.
func (c *IndexCache) Peek(p sdfpath.Path) (*PrimIndex, bool) {
	sh := c.shard(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	idx, ok := sh.indices[p]
	return idx, ok
}

// Get returns the index for p, computing it and its ancestors on a miss.
func (c *IndexCache) Get(ctx context.Context, p sdfpath.Path) (*PrimIndex, error) {
	if idx, ok := c.Peek(p); ok {
		c.hits.Add(1)
		return idx, nil
	}
	c.misses.Add(1)
	v, err, _ := c.builds.Do(p.String(), func() (any, error) {
		if idx, ok := c.Peek(p); ok {
			return idx, nil
		}
		var parent *PrimIndex
		if !p.IsAbsoluteRoot() && p.IsAbsolute() {
			var err error
			if parent, err = c.Get(ctx, p.Parent()); err != nil {
				return nil, err
			}
		}
		idx, err := c.ix.Compute(ctx, p, parent, c.Get)
		if err != nil {
			return nil, err
		}
		c.store(idx)
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PrimIndex), nil
}

func (c *IndexCache) store(idx *PrimIndex) {
	sh := c.shard(idx.path)
	sh.mu.Lock()
	sh.indices[idx.path] = idx
	sh.mu.Unlock()

	c.depMu.Lock()
	defer c.depMu.Unlock()
	for _, d := range idx.deps {
		consumers := c.deps[d]
		if consumers == nil {
			consumers = make(map[sdfpath.Path]struct{})
			c.deps[d] = consumers
		}
		consumers[idx.path] = struct{}{}
	}
}

func (c *IndexCache) drop(idx *PrimIndex) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	for _, d := range idx.deps {
		if consumers := c.deps[d]; consumers != nil {
			delete(consumers, idx.path)
			if len(consumers) == 0 {
				delete(c.deps, d)
			}
		}
	}
}

// Invalidate removes the indices for paths.
func (c *IndexCache) Invalidate(paths ...sdfpath.Path) {
	for _, p := range paths {
		sh := c.shard(p)
		sh.mu.Lock()
		idx, ok := sh.indices[p]
		delete(sh.indices, p)
		sh.mu.Unlock()
		if ok {
			c.drop(idx)
		}
	}
}

// InvalidateSubtree removes the index for root and every descendant.
func (c *IndexCache) InvalidateSubtree(root sdfpath.Path) {
	var dropped []*PrimIndex
	for _, sh := range c.shards {
		sh.mu.Lock()
		for p, idx := range sh.indices {
			if p.HasPrefix(root) {
				delete(sh.indices, p)
				dropped = append(dropped, idx)
			}
		}
		sh.mu.Unlock()
	}
	for _, idx := range dropped {
		c.drop(idx)
	}
}

// Dependents returns the cached index paths that consumed site of layerID.
func (c *IndexCache) Dependents(layerID string, site sdfpath.Path) []sdfpath.Path {
	c.depMu.RLock()
	consumers := c.deps[Dependency{Layer: layerID, Path: site}]
	out := make([]sdfpath.Path, 0, len(consumers))
	for p := range consumers {
		out = append(out, p)
	}
	c.depMu.RUnlock()
	slices.SortFunc(out, sdfpath.Compare)
	return out
}

// LayerDependents returns the cached index paths that consumed any site of
// layerID.
func (c *IndexCache) LayerDependents(layerID string) []sdfpath.Path {
	seen := map[sdfpath.Path]struct{}{}
	c.depMu.RLock()
	for d, consumers := range c.deps {
		if d.Layer != layerID {
			continue
		}
		for p := range consumers {
			seen[p] = struct{}{}
		}
	}
	c.depMu.RUnlock()
	out := slices.Collect(maps.Keys(seen))
	slices.SortFunc(out, sdfpath.Compare)
	return out
}

// Paths returns the cached index paths in namespace order.
func (c *IndexCache) Paths() []sdfpath.Path {
	var out []sdfpath.Path
	for _, sh := range c.shards {
		sh.mu.Lock()
		for p := range sh.indices {
			out = append(out, p)
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(out, sdfpath.Compare)
	return out
}

// Len returns the number of cached indices.
func (c *IndexCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.indices)
		sh.mu.Unlock()
	}
	return n
}

// Clear drops every cached index.
func (c *IndexCache) Clear() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		clear(sh.indices)
		sh.mu.Unlock()
	}
	c.depMu.Lock()
	clear(c.deps)
	c.depMu.Unlock()
}

// Stats returns the lookup hit and miss counts.
func (c *IndexCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
