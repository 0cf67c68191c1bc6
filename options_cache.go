package scene

import "github.com/goliatone/go-scene/exprvar"

// WithProgramCache shares compiled expression programs across stages. It is
// ignored when WithExpressionEngine is set.
func WithProgramCache(cache exprvar.ProgramCache) Option {
	return func(cfg *stageConfig) {
		cfg.programCache = cache
	}
}

// WithCacheShards sets the shard count of the stage's layer stack and prim
// index caches.
func WithCacheShards(n int) Option {
	return func(cfg *stageConfig) {
		cfg.shards = n
	}
}
