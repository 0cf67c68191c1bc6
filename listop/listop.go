// Package listop implements list-editable field values: ordered lists that
// compose across layers through explicit, prepend, append, delete and reorder
// operations instead of plain overwrite.
package listop

import "slices"

// ListOp is one layer's opinion about a list-valued field.
//
// When Explicit is set, ExplicitItems replaces every weaker opinion (an empty
// explicit list clears the field). Otherwise the operation edits the weaker
// result: Deleted items are removed, Prepended and Appended items are spliced
// around the remainder, Added items are appended when missing and Ordered
// reorders the result.
type ListOp[T comparable] struct {
	Explicit      bool `json:"explicit,omitempty" yaml:"explicit,omitempty"`
	ExplicitItems []T  `json:"explicitItems,omitempty" yaml:"explicitItems,omitempty"`
	Prepended     []T  `json:"prepended,omitempty" yaml:"prepended,omitempty"`
	Appended      []T  `json:"appended,omitempty" yaml:"appended,omitempty"`
	Deleted       []T  `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Added         []T  `json:"added,omitempty" yaml:"added,omitempty"`
	Ordered       []T  `json:"ordered,omitempty" yaml:"ordered,omitempty"`

	// resolved marks ExplicitItems produced by composition. They already
	// carry the duplicates a splice keeps and are applied verbatim.
	resolved bool
}

// Explicit returns an op that replaces weaker opinions with items.
func Explicit[T comparable](items ...T) ListOp[T] {
	return ListOp[T]{Explicit: true, ExplicitItems: dedupe(items)}
}

// Prepend returns an op that places items before the weaker result.
func Prepend[T comparable](items ...T) ListOp[T] {
	return ListOp[T]{Prepended: dedupe(items)}
}

// Append returns an op that places items after the weaker result.
func Append[T comparable](items ...T) ListOp[T] {
	return ListOp[T]{Appended: dedupe(items)}
}

// Delete returns an op that removes items from the weaker result.
func Delete[T comparable](items ...T) ListOp[T] {
	return ListOp[T]{Deleted: dedupe(items)}
}

// Order returns an op that only reorders the weaker result.
func Order[T comparable](items ...T) ListOp[T] {
	return ListOp[T]{Ordered: dedupe(items)}
}

// IsExplicit reports whether op replaces weaker opinions.
func (op ListOp[T]) IsExplicit() bool { return op.Explicit }

// HasKeys reports whether op carries any items or is explicit.
func (op ListOp[T]) HasKeys() bool {
	if op.Explicit {
		return true
	}
	return len(op.Prepended) > 0 || len(op.Appended) > 0 || len(op.Deleted) > 0 ||
		len(op.Added) > 0 || len(op.Ordered) > 0
}

// IsZero reports whether op expresses no opinion at all.
func (op ListOp[T]) IsZero() bool { return !op.HasKeys() }

// Items returns the explicit items of an explicit op, or the op resolved over
// an empty weaker list.
func (op ListOp[T]) Items() []T {
	return op.ApplyOperations(nil)
}

// ApplyOperations applies op on top of an already resolved weaker list and
// returns the new list. The input is not modified.
func (op ListOp[T]) ApplyOperations(weaker []T) []T {
	if op.Explicit {
		if op.resolved {
			return slices.Clone(op.ExplicitItems)
		}
		return slices.Clone(dedupe(op.ExplicitItems))
	}

	result := slices.Clone(weaker)
	if len(op.Deleted) > 0 {
		deleted := toSet(op.Deleted)
		result = slices.DeleteFunc(result, func(item T) bool {
			_, ok := deleted[item]
			return ok
		})
	}

	if len(op.Added) > 0 {
		present := toSet(result)
		for _, item := range dedupe(op.Added) {
			if _, ok := present[item]; ok {
				continue
			}
			present[item] = struct{}{}
			result = append(result, item)
		}
	}

	if len(op.Prepended) > 0 || len(op.Appended) > 0 {
		prepended := dedupe(op.Prepended)
		appended := dedupe(op.Appended)
		spliced := make([]T, 0, len(prepended)+len(result)+len(appended))
		spliced = append(spliced, prepended...)
		spliced = append(spliced, result...)
		spliced = append(spliced, appended...)
		result = spliced
	}

	if len(op.Ordered) > 0 {
		result = reorder(result, dedupe(op.Ordered))
	}
	if result == nil && len(weaker) == 0 {
		return nil
	}
	return result
}

// ComposeOver composes strong over weak, treating weak as the weakest opinion
// present, and returns the result as an explicit op. Because the result is
// explicit, composing it further under a stronger op gives the same list as a
// single strongest-to-weakest fold.
func ComposeOver[T comparable](strong, weak ListOp[T]) ListOp[T] {
	resolved := strong.ApplyOperations(weak.ApplyOperations(nil))
	return ListOp[T]{Explicit: true, ExplicitItems: resolved, resolved: true}
}

// Compose folds ops ordered strongest first and returns the resulting list.
// Zero ops (no authored opinion) are skipped.
func Compose[T comparable](ops ...ListOp[T]) []T {
	var result []T
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].IsZero() {
			continue
		}
		result = ops[i].ApplyOperations(result)
	}
	return result
}

// Map converts every bucket of op with fn. Items mapped to the same value are
// de-duplicated. Items for which keep returns false are dropped.
func Map[T, U comparable](op ListOp[T], fn func(T) (U, bool)) ListOp[U] {
	conv := func(in []T) []U {
		if len(in) == 0 {
			return nil
		}
		out := make([]U, 0, len(in))
		for _, item := range in {
			if mapped, keep := fn(item); keep {
				out = append(out, mapped)
			}
		}
		return dedupe(out)
	}
	explicit := conv(op.ExplicitItems)
	if op.resolved {
		explicit = nil
		for _, item := range op.ExplicitItems {
			if mapped, keep := fn(item); keep {
				explicit = append(explicit, mapped)
			}
		}
	}
	return ListOp[U]{
		Explicit:      op.Explicit,
		ExplicitItems: explicit,
		Prepended:     conv(op.Prepended),
		Appended:      conv(op.Appended),
		Deleted:       conv(op.Deleted),
		Added:         conv(op.Added),
		Ordered:       conv(op.Ordered),
		resolved:      op.resolved,
	}
}

// Clone returns a deep copy of op.
func (op ListOp[T]) Clone() ListOp[T] {
	return ListOp[T]{
		Explicit:      op.Explicit,
		ExplicitItems: slices.Clone(op.ExplicitItems),
		Prepended:     slices.Clone(op.Prepended),
		Appended:      slices.Clone(op.Appended),
		Deleted:       slices.Clone(op.Deleted),
		Added:         slices.Clone(op.Added),
		Ordered:       slices.Clone(op.Ordered),
		resolved:      op.resolved,
	}
}

// Equal reports whether two ops carry the same buckets.
func (op ListOp[T]) Equal(other ListOp[T]) bool {
	return op.Explicit == other.Explicit &&
		slices.Equal(op.ExplicitItems, other.ExplicitItems) &&
		slices.Equal(op.Prepended, other.Prepended) &&
		slices.Equal(op.Appended, other.Appended) &&
		slices.Equal(op.Deleted, other.Deleted) &&
		slices.Equal(op.Added, other.Added) &&
		slices.Equal(op.Ordered, other.Ordered)
}

// reorder moves the items named in order so they follow that relative order.
// The result is built in chunks: each named item present in list starts a
// chunk that carries along the unnamed items directly following it. Chunks
// are emitted in the order given by order. Unnamed items that precede the
// first named item in list stay at the front.
func reorder[T comparable](list, order []T) []T {
	if len(list) == 0 || len(order) == 0 {
		return list
	}
	named := toSet(order)
	index := make(map[T]int, len(list))
	for i, item := range list {
		if _, ok := index[item]; !ok {
			index[item] = i
		}
	}

	used := make([]bool, len(list))
	chunks := make([]T, 0, len(list))
	for _, key := range order {
		start, ok := index[key]
		if !ok || used[start] {
			continue
		}
		end := start + 1
		for end < len(list) {
			if _, isNamed := named[list[end]]; isNamed {
				break
			}
			end++
		}
		for i := start; i < end; i++ {
			used[i] = true
			chunks = append(chunks, list[i])
		}
	}

	out := make([]T, 0, len(list))
	for i, item := range list {
		if !used[i] {
			out = append(out, item)
		}
	}
	return append(out, chunks...)
}

func dedupe[T comparable](items []T) []T {
	if len(items) < 2 {
		return items
	}
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toSet[T comparable](items []T) map[T]struct{} {
	out := make(map[T]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}
