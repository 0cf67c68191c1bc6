package compose

import (
	"context"
	"hash/maphash"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-scene/exprvar"
	"github.com/goliatone/go-scene/layer"
)

const defaultShards = 16

// CacheOption configures a LayerStackCache or an IndexCache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	shards int
	engine *exprvar.Engine
}

// WithShards sets the number of independently locked cache shards.
func WithShards(n int) CacheOption {
	return func(cfg *cacheConfig) {
		if n > 0 {
			cfg.shards = n
		}
	}
}

// WithEngine sets the expression engine used while composing.
func WithEngine(engine *exprvar.Engine) CacheOption {
	return func(cfg *cacheConfig) { cfg.engine = engine }
}

func applyCacheOptions(opts []CacheOption) cacheConfig {
	cfg := cacheConfig{shards: defaultShards}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.engine == nil {
		cfg.engine = defaultEngine()
	}
	return cfg
}

type stackShard struct {
	mu     sync.Mutex
	stacks map[LayerStackKey]*LayerStack
}

// LayerStackCache shares layer stacks between everything that composes from
// the same inputs. Lookups lock one shard; concurrent builds of one key share
// a single build.
type LayerStackCache struct {
	reg    *layer.Registry
	engine *exprvar.Engine
	seed   maphash.Seed
	shards []*stackShard
	builds singleflight.Group
}

// NewLayerStackCache constructs a cache that opens sublayers through reg.
func NewLayerStackCache(reg *layer.Registry, opts ...CacheOption) *LayerStackCache {
	cfg := applyCacheOptions(opts)
	c := &LayerStackCache{reg: reg, engine: cfg.engine, seed: maphash.MakeSeed()}
	c.shards = make([]*stackShard, cfg.shards)
	for i := range c.shards {
		c.shards[i] = &stackShard{stacks: make(map[LayerStackKey]*LayerStack)}
	}
	return c
}

func (c *LayerStackCache) shard(key LayerStackKey) *stackShard {
	return c.shards[maphash.String(c.seed, key.String())%uint64(len(c.shards))]
}

// Get returns the cached stack for the inputs, building it on a miss.
func (c *LayerStackCache) Get(ctx context.Context, root, session *layer.Layer, overrides map[string]any) (*LayerStack, error) {
	if root == nil {
		return nil, layer.ErrLayerNotFound
	}
	key := LayerStackKey{Root: root.Identifier(), VarsHash: HashVariables(overrides)}
	if session != nil {
		key.Session = session.Identifier()
	}
	sh := c.shard(key)
	sh.mu.Lock()
	stack, ok := sh.stacks[key]
	sh.mu.Unlock()
	recordStackLookup(ctx, ok)
	if ok {
		return stack, nil
	}

	v, err, _ := c.builds.Do(key.String(), func() (any, error) {
		sh.mu.Lock()
		if stack, ok := sh.stacks[key]; ok {
			sh.mu.Unlock()
			return stack, nil
		}
		sh.mu.Unlock()
		stack, err := BuildLayerStack(ctx, c.reg, root, session,
			WithVariableOverrides(overrides), WithExpressionEngine(c.engine))
		if err != nil {
			return nil, err
		}
		sh.mu.Lock()
		sh.stacks[key] = stack
		sh.mu.Unlock()
		return stack, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LayerStack), nil
}

// Invalidate drops every stack that contains the layer or failed to load it,
// returning the dropped keys.
func (c *LayerStackCache) Invalidate(layerID string) []LayerStackKey {
	id := layer.CanonicalIdentifier(layerID)
	var dropped []LayerStackKey
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, stack := range sh.stacks {
			if stack.HasLayer(id) || stack.failedToLoad(id) {
				delete(sh.stacks, key)
				dropped = append(dropped, key)
			}
		}
		sh.mu.Unlock()
	}
	slices.SortFunc(dropped, func(a, b LayerStackKey) int { return strings.Compare(a.String(), b.String()) })
	return dropped
}

// Clear drops every cached stack.
func (c *LayerStackCache) Clear() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		clear(sh.stacks)
		sh.mu.Unlock()
	}
}

// Len returns the number of cached stacks.
func (c *LayerStackCache) Len() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.stacks)
		sh.mu.Unlock()
	}
	return n
}

func (s *LayerStack) failedToLoad(id string) bool {
	for _, err := range s.errors {
		if err.Target == id {
			return true
		}
	}
	return false
}

var (
	engineOnce   sync.Once
	sharedEngine *exprvar.Engine
)

// defaultEngine returns the process-wide expr engine used when none is
// configured.
func defaultEngine() *exprvar.Engine {
	engineOnce.Do(func() {
		sharedEngine, _ = exprvar.New()
	})
	return sharedEngine
}
