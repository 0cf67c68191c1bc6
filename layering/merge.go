// Package layering composes values ordered from strongest to weakest opinion.
package layering

import "reflect"

// MergeLayers overlays values listed strongest first and returns the result
// as a fresh copy. Zero scalars and nil maps, slices, pointers and
// interfaces carry no opinion. Structs merge field by field, maps key by
// key; a non-nil slice or a non-zero array replaces the weaker one whole.
func MergeLayers[T any](layers ...T) T {
	acc := reflect.New(reflect.TypeFor[T]()).Elem()
	for i := len(layers) - 1; i >= 0; i-- {
		overlay(acc, reflect.ValueOf(&layers[i]).Elem())
	}
	out, _ := acc.Interface().(T)
	return out
}

// overlay applies the opinions in src onto dst, which is settable and owns
// its memory.
func overlay(dst, src reflect.Value) {
	switch src.Kind() {
	case reflect.Struct:
		for i := range src.NumField() {
			if f := dst.Field(i); f.CanSet() {
				overlay(f, src.Field(i))
			}
		}
	case reflect.Map:
		switch {
		case src.IsNil():
		case dst.IsNil():
			dst.Set(deepCopy(src))
		default:
			overlayMap(dst, src)
		}
	case reflect.Pointer:
		switch {
		case src.IsNil():
		case dst.IsNil():
			dst.Set(deepCopy(src))
		default:
			overlay(dst.Elem(), src.Elem())
		}
	case reflect.Interface:
		switch {
		case src.IsNil():
		case dst.IsNil() || dst.Elem().Type() != src.Elem().Type():
			dst.Set(deepCopy(src))
		default:
			inner := reflect.New(src.Elem().Type()).Elem()
			inner.Set(dst.Elem())
			overlay(inner, src.Elem())
			dst.Set(inner)
		}
	case reflect.Slice:
		if !src.IsNil() {
			dst.Set(deepCopy(src))
		}
	default:
		if !src.IsZero() {
			dst.Set(deepCopy(src))
		}
	}
}

// overlayMap merges src into a copy of dst so that maps shared with
// earlier results are never written.
func overlayMap(dst, src reflect.Value) {
	out := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
	for it := dst.MapRange(); it.Next(); {
		out.SetMapIndex(it.Key(), it.Value())
	}
	elem := dst.Type().Elem()
	for it := src.MapRange(); it.Next(); {
		slot := reflect.New(elem).Elem()
		if existing := out.MapIndex(it.Key()); existing.IsValid() {
			slot.Set(existing)
		}
		overlay(slot, it.Value())
		out.SetMapIndex(it.Key(), slot)
	}
	dst.Set(out)
}
