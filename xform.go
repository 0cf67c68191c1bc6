package scene

import (
	"context"
	"sync"

	"cogentcore.org/core/math32"

	"github.com/goliatone/go-scene/compose"
	"github.com/goliatone/go-scene/sdfpath"
)

// Transform attributes read by XformCache. A prim authoring
// AttrTransform uses that matrix; otherwise translate, rotateXYZ (degrees)
// and scale compose as translate * rotate * scale.
const (
	AttrTransform       = "xformOp:transform"
	AttrTranslate       = "xformOp:translate"
	AttrRotateXYZ       = "xformOp:rotateXYZ"
	AttrScale           = "xformOp:scale"
	AttrResetXformStack = "xformOp:resetXformStack"
)

type localXform struct {
	matrix math32.Matrix4
	reset  bool
}

// XformCache memoizes local and world transforms of stage prims at one time
// code. Entries are dropped when a stage notice touches the prim or one of
// its ancestors.
type XformCache struct {
	stage  *Stage
	cancel func()

	mu    sync.Mutex
	time  TimeCode
	// gen advances whenever cached entries are dropped; results computed
	// under an older gen are not stored.
	gen   uint64
	local map[sdfpath.Path]localXform
	world map[sdfpath.Path]math32.Matrix4
}

// NewXformCache constructs a cache over s evaluating transforms at t.
func NewXformCache(s *Stage, t TimeCode) *XformCache {
	c := &XformCache{
		stage: s,
		time:  t,
		local: make(map[sdfpath.Path]localXform),
		world: make(map[sdfpath.Path]math32.Matrix4),
	}
	c.cancel = s.onInvalidate(c.invalidate)
	return c
}

// Close detaches the cache from its stage.
func (c *XformCache) Close() { c.cancel() }

// Time returns the time code transforms are evaluated at.
func (c *XformCache) Time() TimeCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

// SetTime changes the evaluation time, clearing the cache when it differs.
func (c *XformCache) SetTime(t TimeCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == c.time || (t.IsDefault() && c.time.IsDefault()) {
		return
	}
	c.time = t
	c.resetLocked()
}

func (c *XformCache) resetLocked() {
	c.gen++
	clear(c.local)
	clear(c.world)
}

// Clear drops every cached transform.
func (c *XformCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *XformCache) invalidate(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, p := range n.Resynced {
		c.dropUnder(p.PrimPath())
	}
	for _, p := range n.ChangedInfo {
		c.dropUnder(p.PrimPath())
	}
}

func (c *XformCache) dropUnder(prim sdfpath.Path) {
	for p := range c.local {
		if p.HasPrefix(prim) {
			delete(c.local, p)
		}
	}
	for p := range c.world {
		if p.HasPrefix(prim) {
			delete(c.world, p)
		}
	}
}

// LocalTransform returns the prim's own transform and whether it resets the
// inherited transform stack.
func (c *XformCache) LocalTransform(ctx context.Context, path sdfpath.Path) (math32.Matrix4, bool, error) {
	if err := checkPrimPath(path); err != nil {
		return math32.Matrix4{}, false, err
	}
	end := c.stage.reg.BeginRead()
	defer end()
	x, err := c.localLocked(ctx, path)
	return x.matrix, x.reset, err
}

// LocalToWorld returns the transform from the prim's space to world space.
func (c *XformCache) LocalToWorld(ctx context.Context, path sdfpath.Path) (math32.Matrix4, error) {
	if err := checkPrimPath(path); err != nil {
		return math32.Matrix4{}, err
	}
	end := c.stage.reg.BeginRead()
	defer end()
	return c.worldLocked(ctx, path)
}

// worldLocked and localLocked run under a read epoch.
func (c *XformCache) worldLocked(ctx context.Context, path sdfpath.Path) (math32.Matrix4, error) {
	if path.IsAbsoluteRoot() {
		return *math32.Identity4(), nil
	}
	c.mu.Lock()
	m, ok := c.world[path]
	gen := c.gen
	c.mu.Unlock()
	recordXformLookup(ok)
	if ok {
		return m, nil
	}

	x, err := c.localLocked(ctx, path)
	if err != nil {
		return math32.Matrix4{}, err
	}
	world := x.matrix
	if !x.reset {
		parent, err := c.worldLocked(ctx, path.Parent())
		if err != nil {
			return math32.Matrix4{}, err
		}
		world.MulMatrices(&parent, &x.matrix)
	}
	c.mu.Lock()
	if c.gen == gen {
		c.world[path] = world
	}
	c.mu.Unlock()
	return world, nil
}

func (c *XformCache) localLocked(ctx context.Context, path sdfpath.Path) (localXform, error) {
	c.mu.Lock()
	x, ok := c.local[path]
	t, gen := c.time, c.gen
	c.mu.Unlock()
	if ok {
		return x, nil
	}

	s := c.stage
	cache, _, err := s.current(ctx)
	if err != nil {
		return localXform{}, err
	}
	idx, err := s.lookup(ctx, cache, path)
	if err != nil {
		return localXform{}, err
	}
	x = computeLocal(idx, t, s.cfg.interpolation)
	c.mu.Lock()
	if c.gen == gen {
		c.local[path] = x
	}
	c.mu.Unlock()
	return x, nil
}

func computeLocal(idx *compose.PrimIndex, t TimeCode, mode Interpolation) localXform {
	attr := func(name string) (any, bool) {
		v, ok, _ := resolveAttribute(idx.PropertyOpinions(name), t, mode)
		return v, ok
	}
	var x localXform
	if v, ok := attr(AttrResetXformStack); ok {
		x.reset, _ = v.(bool)
	}
	if v, ok := attr(AttrTransform); ok {
		if m, ok := toMatrix4(v); ok {
			x.matrix = m
			return x
		}
	}
	pos, scale := math32.Vec3(0, 0, 0), math32.Vec3(1, 1, 1)
	var rot math32.Quat
	rot.SetFromEuler(math32.Vec3(0, 0, 0))
	if v, ok := attr(AttrTranslate); ok {
		if vec, ok := toVector3(v); ok {
			pos = vec
		}
	}
	if v, ok := attr(AttrRotateXYZ); ok {
		if vec, ok := toVector3(v); ok {
			rot = math32.NewQuatEuler(vec.MulScalar(math32.DegToRadFactor))
		}
	}
	if v, ok := attr(AttrScale); ok {
		if vec, ok := toVector3(v); ok {
			scale = vec
		}
	}
	x.matrix.SetTransform(pos, rot, scale)
	return x
}

func toVector3(v any) (math32.Vector3, bool) {
	switch vec := v.(type) {
	case [3]float64:
		return math32.Vec3(float32(vec[0]), float32(vec[1]), float32(vec[2])), true
	case [3]float32:
		return math32.Vec3(vec[0], vec[1], vec[2]), true
	}
	return math32.Vector3{}, false
}

// toMatrix4 converts a row-major matrix with the translation in the last
// row, which matches the column-major layout of math32.Matrix4.
func toMatrix4(v any) (math32.Matrix4, bool) {
	var m math32.Matrix4
	switch mat := v.(type) {
	case [16]float64:
		for i, e := range mat {
			m[i] = float32(e)
		}
	case [16]float32:
		m = math32.Matrix4(mat)
	default:
		return m, false
	}
	return m, true
}
