// Package state defines persistence-facing contracts for loading and saving
// layer content, plus a resolver that maps authored asset paths to stored
// layers and applies read-modify-write edits with etag checks.
//
// Responsibilities:
//   - Store[T] only loads/saves a single snapshot for a single Ref.
//   - NewLoader adapts a Store[layer.Data] to the layer.Loader contract used
//     by layer.Registry, so registries stay persistence-agnostic.
//   - Resolver finds the stored layer an asset path names (anchor directory
//     first, then search paths) and runs Mutate edits against detached layers.
//
// Data flow:
//
//	Store -> NewLoader -> layer.Registry.FindOrOpen -> compose / scene
//
// Deterministic keys:
//
//	Ref.Identifier() returns the canonical layer identifier used as the
//	storage key. Anonymous layers have no storage key.
package state
