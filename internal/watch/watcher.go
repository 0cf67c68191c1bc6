// Package watch reloads open layers when their files change on disk.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goliatone/go-scene/format"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/state"
)

// Result reports one debounced reload pass.
type Result struct {
	// Reloaded lists the identifiers whose content was replaced.
	Reloaded []string
	// Unchanged lists open layers whose file matched their content.
	Unchanged []string
	// Failed maps identifiers to the error that stopped their reload.
	Failed map[string]error
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long to wait for more events before reloading.
	// Default: 100ms
	Debounce time.Duration

	// IgnorePatterns are base-name globs for files and directories to skip.
	IgnorePatterns []string

	// BufferSize is the capacity of the pending event channel.
	BufferSize int

	Logger *slog.Logger

	// OnReload, when set, receives every non-empty Result.
	OnReload func(Result)
}

// DefaultOptions returns the watcher defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:       100 * time.Millisecond,
		IgnorePatterns: []string{".git", "*.swp", "*.tmp", "*~"},
		BufferSize:     256,
	}
}

// Watcher watches a FileStore root and reloads the registry layers backed
// by changed files. All reloads of one debounce window run in a single
// change block, so stages receive one notice per batch.
//
// Safe for concurrent use. OnReload is called from a single goroutine.
type Watcher struct {
	reg      *layer.Registry
	store    *state.FileStore
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	ignore   []string
	onReload func(Result)

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// New creates a watcher over store's root for layers open in reg. A nil
// opts uses DefaultOptions.
func New(reg *layer.Registry, store *state.FileStore, opts *Options) (*Watcher, error) {
	if reg == nil || store == nil {
		return nil, errors.New("watch: registry and store are required")
	}
	o := DefaultOptions()
	if opts != nil {
		if opts.Debounce > 0 {
			o.Debounce = opts.Debounce
		}
		if opts.IgnorePatterns != nil {
			o.IgnorePatterns = opts.IgnorePatterns
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
		o.Logger = opts.Logger
		o.OnReload = opts.OnReload
	}
	if o.Logger == nil {
		o.Logger = reg.Logger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		reg:      reg,
		store:    store,
		watcher:  fw,
		logger:   o.Logger.With("component", "watch"),
		debounce: o.Debounce,
		ignore:   o.IgnorePatterns,
		onReload: o.OnReload,
		changes:  make(chan string, o.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the store root recursively until ctx is canceled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.store.Root()); err != nil {
		w.Stop()
		return err
	}
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.logger.Info("watching layers", "root", w.store.Root())
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(event.Name)
					continue
				}
			}
			if !format.IsLayerFile(event.Name) {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				w.logger.Warn("change buffer full, dropping event", "file", event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	var batch []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			files := slices.Clone(batch)
			batch = batch[:0]
			w.report(w.Reload(ctx, files))
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case file := <-w.changes:
			if !slices.Contains(batch, file) {
				batch = append(batch, file)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

func (w *Watcher) report(res Result) {
	if len(res.Reloaded) == 0 && len(res.Unchanged) == 0 && len(res.Failed) == 0 {
		return
	}
	for id, err := range res.Failed {
		w.logger.Warn("layer reload failed", "layer", id, "error", err)
	}
	if len(res.Reloaded) > 0 {
		w.logger.Info("layers reloaded", "layers", strings.Join(res.Reloaded, ","))
	}
	if w.onReload != nil {
		w.onReload(res)
	}
}

// Reload reloads the open layers stored in files through the registry.
// Files outside the store root, and layers the registry has not opened, are
// ignored. A file whose content already matches its layer leaves the layer
// untouched, so saving a layer does not echo back as a reload.
func (w *Watcher) Reload(ctx context.Context, files []string) Result {
	res := Result{Failed: map[string]error{}}
	_ = w.reg.ChangeBlock(ctx, func(ctx context.Context) error {
		for _, file := range files {
			id, ok := w.store.Identifier(file)
			if !ok {
				continue
			}
			id = layer.CanonicalIdentifier(id)
			l, ok := w.reg.Find(id)
			if !ok {
				continue
			}
			data, _, found, err := w.store.Load(ctx, state.Ref{Layer: id})
			if err != nil {
				res.Failed[id] = err
				continue
			}
			if !found {
				res.Failed[id] = state.ErrNotFound
				continue
			}
			if data.Equal(l.Export()) {
				res.Unchanged = append(res.Unchanged, id)
				continue
			}
			if err := w.reg.Reload(ctx, l); err != nil {
				res.Failed[id] = err
				continue
			}
			res.Reloaded = append(res.Reloaded, id)
		}
		return nil
	})
	return res
}
