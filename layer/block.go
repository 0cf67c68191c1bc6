package layer

import (
	"context"

	"github.com/google/uuid"
)

type blockKey struct{ r *Registry }

// ChangeBlock runs fn with every layer edit batched into one notice that is
// delivered when the outermost block closes. Blocks nest when fn (or code it
// calls) opens a block with the context it was given. Only one outermost
// block is open at a time; readers that use BeginRead are excluded until it
// closes. Edits applied before an error are kept.
//
// fn must not wait on readers of this registry, such as stage queries: they
// block until the change block closes.
func (r *Registry) ChangeBlock(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(blockKey{r}) != nil {
		return fn(ctx)
	}
	r.openBlock()
	defer r.closeBlock()
	return fn(context.WithValue(ctx, blockKey{r}, true))
}

// InChangeBlock reports whether ctx was handed out by an open change block
// of r.
func (r *Registry) InChangeBlock(ctx context.Context) bool {
	return ctx != nil && ctx.Value(blockKey{r}) != nil
}

// BeginRead admits a reader and returns the function that releases it.
// Readers never observe a partially applied change block.
func (r *Registry) BeginRead() (end func()) {
	r.epoch.RLock()
	return r.epoch.RUnlock
}

func (r *Registry) openBlock() {
	r.epoch.Lock()
	r.blockMu.Lock()
	r.depth++
	r.blockID = uuid.NewString()
	if r.pending == nil {
		r.pending = newPendingChanges()
	}
	r.blockMu.Unlock()
}

// beginImplicit wraps a single edit made outside any block in a block of its
// own. Edits made while a block is open join that block.
func (r *Registry) beginImplicit() (end func()) {
	r.blockMu.Lock()
	open := r.depth > 0
	r.blockMu.Unlock()
	if open {
		return func() {}
	}
	r.openBlock()
	return r.closeBlock
}

// record adds entries to the open block. An edit that joined another
// goroutine's block can finish after that block closed; its entries are then
// delivered by a block of their own, or by whichever block opens first.
func (r *Registry) record(l *Layer, entries []ChangeEntry) {
	if len(entries) == 0 {
		return
	}
	r.blockMu.Lock()
	if r.pending == nil {
		r.pending = newPendingChanges()
	}
	r.pending.add(l, entries)
	orphaned := r.depth == 0
	r.blockMu.Unlock()
	if orphaned {
		r.openBlock()
		r.closeBlock()
	}
}

func (r *Registry) closeBlock() {
	r.blockMu.Lock()
	r.depth--
	pending := r.pending
	blockID := r.blockID
	r.pending = nil
	r.blockMu.Unlock()

	var afters []func()
	if pending != nil {
		notice := pending.notice(blockID)
		if !notice.IsEmpty() {
			r.logger.Debug("change block closed", "block", blockID, "layers", len(notice.Layers), "entries", notice.Count())
			for _, p := range r.processors() {
				if after := p(notice); after != nil {
					afters = append(afters, after)
				}
			}
		}
	}
	r.epoch.Unlock()
	for _, after := range afters {
		after()
	}
}
