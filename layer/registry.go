package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// AnonymousPrefix starts the identifier of every anonymous layer.
const AnonymousPrefix = "anon:"

// Loader reads and writes layer content by identifier.
type Loader interface {
	Load(ctx context.Context, identifier string) (Data, error)
	Save(ctx context.Context, identifier string, data Data) error
}

// AssetResolver maps an asset path authored in anchor to a layer identifier.
type AssetResolver func(anchor, asset string) string

// Processor handles a notice while readers are still excluded. It must not
// edit layers. The returned function, when not nil, runs after readers are
// readmitted and may edit.
type Processor func(Notice) (after func())

// Option configures a Registry.
type Option func(*Registry)

// WithLoader sets the storage used by FindOrOpen, Save and Reload.
func WithLoader(loader Loader) Option {
	return func(r *Registry) { r.loader = loader }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSchema sets the schema shared by every layer the registry creates.
func WithSchema(schema *Schema) Option {
	return func(r *Registry) {
		if schema != nil {
			r.schema = schema
		}
	}
}

// WithAssetResolver overrides how authored asset paths map to identifiers.
func WithAssetResolver(resolve AssetResolver) Option {
	return func(r *Registry) { r.resolve = resolve }
}

// Registry is the session object that owns open layers. It finds or loads
// layers by identifier, resolves asset paths and batches layer edits into
// change blocks whose notices are delivered to subscribers.
//
// Readers that need a consistent view across several layers bracket their
// reads with BeginRead; a change block excludes them while it is open.
type Registry struct {
	loader  Loader
	logger  *slog.Logger
	schema  *Schema
	resolve AssetResolver

	mu     sync.Mutex
	layers map[string]*Layer
	loads  singleflight.Group

	epoch   sync.RWMutex
	blockMu sync.Mutex
	depth   int
	blockID string
	pending *pendingChanges

	subMu  sync.Mutex
	subs   map[int]Processor
	nextID int
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.New(slog.DiscardHandler),
		schema: DefaultSchema(),
		layers: make(map[string]*Layer),
		subs:   make(map[int]Processor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Schema returns the registry's field schema.
func (r *Registry) Schema() *Schema { return r.schema }

// Logger returns the registry logger.
func (r *Registry) Logger() *slog.Logger { return r.logger }

// CanonicalIdentifier cleans identifier so that equivalent spellings name the
// same layer.
func CanonicalIdentifier(identifier string) string {
	if identifier == "" || strings.HasPrefix(identifier, AnonymousPrefix) {
		return identifier
	}
	scheme, rest := splitScheme(identifier)
	cleaned := path.Clean(strings.ReplaceAll(rest, "\\", "/"))
	if scheme != "" {
		return scheme + "://" + strings.TrimPrefix(cleaned, "/")
	}
	return cleaned
}

func splitScheme(identifier string) (string, string) {
	if i := strings.Index(identifier, "://"); i > 0 {
		return identifier[:i], identifier[i+3:]
	}
	return "", identifier
}

// ResolveAssetPath maps an asset path authored in anchor to a layer
// identifier. Absolute and scheme-qualified paths are used as is; relative
// paths resolve against the directory of a non-anonymous anchor.
func (r *Registry) ResolveAssetPath(anchor *Layer, asset string) string {
	if asset == "" {
		return ""
	}
	anchorID := ""
	if anchor != nil && !anchor.IsAnonymous() {
		anchorID = anchor.Identifier()
	}
	if r.resolve != nil {
		return CanonicalIdentifier(r.resolve(anchorID, asset))
	}
	if strings.HasPrefix(asset, AnonymousPrefix) || strings.HasPrefix(asset, "/") || strings.Contains(asset, "://") {
		return CanonicalIdentifier(asset)
	}
	if anchorID == "" {
		return CanonicalIdentifier(asset)
	}
	scheme, rest := splitScheme(anchorID)
	joined := path.Join(path.Dir(rest), asset)
	if scheme != "" {
		return scheme + "://" + strings.TrimPrefix(joined, "/")
	}
	return joined
}

// Register adds an existing layer to the registry. Edits to the layer are
// reported to registry subscribers from then on.
func (r *Registry) Register(l *Layer) error {
	if l == nil {
		return fmt.Errorf("%w: nil layer", ErrLayerNotFound)
	}
	id := CanonicalIdentifier(l.Identifier())
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.layers[id]; ok && existing != l {
		return fmt.Errorf("%w: %q", ErrSpecExists, id)
	}
	l.mu.Lock()
	if l.registry != nil && l.registry != r {
		l.mu.Unlock()
		return fmt.Errorf("layer: %q belongs to another registry", id)
	}
	l.registry = r
	l.mu.Unlock()
	r.layers[id] = l
	return nil
}

// Find returns an open layer.
func (r *Registry) Find(identifier string) (*Layer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.layers[CanonicalIdentifier(identifier)]
	return l, ok
}

// Layers returns the open layers ordered by identifier.
func (r *Registry) Layers() []*Layer {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := slices.Sorted(maps.Keys(r.layers))
	out := make([]*Layer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.layers[id])
	}
	return out
}

// FindOrOpen returns the open layer for identifier, loading it through the
// Loader when it is not open yet. Concurrent opens of one identifier share a
// single load.
func (r *Registry) FindOrOpen(ctx context.Context, identifier string) (*Layer, error) {
	id := CanonicalIdentifier(identifier)
	if l, ok := r.Find(id); ok {
		return l, nil
	}
	if strings.HasPrefix(id, AnonymousPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	if r.loader == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoLoader, id)
	}
	v, err, _ := r.loads.Do(id, func() (any, error) {
		if l, ok := r.Find(id); ok {
			return l, nil
		}
		data, err := r.loader.Load(ctx, id)
		if err != nil {
			r.logger.Error("layer load failed", "layer", id, "error", err)
			return nil, wrapIO(id, err)
		}
		l := New(id, WithLayerSchema(r.schema))
		if err := l.load(data); err != nil {
			r.logger.Error("layer content rejected", "layer", id, "error", err)
			return nil, wrapParse(id, err)
		}
		if err := r.Register(l); err != nil {
			if existing, ok := r.Find(id); ok {
				return existing, nil
			}
			return nil, err
		}
		r.logger.Debug("layer opened", "layer", id, "specs", len(data.Specs))
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Layer), nil
}

func wrapIO(id string, err error) error {
	if errors.Is(err, ErrIO) || errors.Is(err, ErrParse) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, id, err)
}

func wrapParse(id string, err error) error {
	if errors.Is(err, ErrParse) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrParse, id, err)
}

// CreateAnonymous creates and registers an empty anonymous layer. tag is
// appended to the generated identifier for diagnostics.
func (r *Registry) CreateAnonymous(tag string) *Layer {
	id := AnonymousPrefix + uuid.NewString()
	if tag != "" {
		id += ":" + tag
	}
	l := New(id, WithLayerSchema(r.schema), withAnonymous())
	_ = r.Register(l)
	return l
}

// CreateNew creates and registers an empty layer for identifier. It fails
// when a layer with that identifier is already open.
func (r *Registry) CreateNew(identifier string) (*Layer, error) {
	id := CanonicalIdentifier(identifier)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrLayerNotFound)
	}
	l := New(id, WithLayerSchema(r.schema))
	if err := r.Register(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Close removes l from the registry. Later FindOrOpen calls load it again.
func (r *Registry) Close(l *Layer) {
	if l == nil {
		return
	}
	id := CanonicalIdentifier(l.Identifier())
	r.mu.Lock()
	if r.layers[id] == l {
		delete(r.layers, id)
	}
	r.mu.Unlock()
	l.mu.Lock()
	if l.registry == r {
		l.registry = nil
	}
	l.mu.Unlock()
}

// Save writes l through the Loader and clears its dirty flag.
func (r *Registry) Save(ctx context.Context, l *Layer) error {
	if l.IsAnonymous() {
		return fmt.Errorf("%w: anonymous layer %q cannot be saved", ErrIO, l.Identifier())
	}
	if r.loader == nil {
		return fmt.Errorf("%w: %q", ErrNoLoader, l.Identifier())
	}
	if err := r.loader.Save(ctx, l.Identifier(), l.Export()); err != nil {
		r.logger.Error("layer save failed", "layer", l.Identifier(), "error", err)
		return wrapIO(l.Identifier(), err)
	}
	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
	r.logger.Debug("layer saved", "layer", l.Identifier())
	return nil
}

// Reload replaces l's content with the stored content. Subscribers receive a
// ContentReplaced entry for the layer.
func (r *Registry) Reload(ctx context.Context, l *Layer) error {
	if l.IsAnonymous() {
		return nil
	}
	if r.loader == nil {
		return fmt.Errorf("%w: %q", ErrNoLoader, l.Identifier())
	}
	data, err := r.loader.Load(ctx, l.Identifier())
	if err != nil {
		return wrapIO(l.Identifier(), err)
	}
	if err := l.Import(data); err != nil {
		return wrapParse(l.Identifier(), err)
	}
	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
	r.logger.Debug("layer reloaded", "layer", l.Identifier())
	return nil
}

// Subscribe registers p for every notice. The returned function removes it.
func (r *Registry) Subscribe(p Processor) (cancel func()) {
	if p == nil {
		return func() {}
	}
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = p
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// Listen registers fn to receive notices after readers are readmitted.
func (r *Registry) Listen(fn func(Notice)) (cancel func()) {
	return r.Subscribe(func(n Notice) func() {
		return func() { fn(n) }
	})
}

func (r *Registry) processors() []Processor {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	ids := slices.Sorted(maps.Keys(r.subs))
	out := make([]Processor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subs[id])
	}
	return out
}
