package layering

import (
	"reflect"
	"sync"
)

// Clone returns a deep copy of value. Scalars, strings, dictionaries and
// lists, the common shapes of scene values, are copied without reflection.
// Other types are walked with reflect; types holding no references, such as
// fixed-size vectors and matrices, are returned as is. Unexported struct
// fields are copied shallowly.
func Clone[T any](value T) T {
	switch v := any(value).(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64:
		return value
	case map[string]any:
		out, _ := any(cloneDict(v)).(T)
		return out
	case []any:
		out, _ := any(cloneList(v)).(T)
		return out
	}
	rv := reflect.ValueOf(&value).Elem()
	if !hasRefs(rv.Type()) {
		return value
	}
	out, _ := deepCopy(rv).Interface().(T)
	return out
}

func cloneAny(v any) any {
	switch v := v.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64, float32, float64:
		return v
	case map[string]any:
		return cloneDict(v)
	case []any:
		return cloneList(v)
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

func cloneDict(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneList(l []any) []any {
	if l == nil {
		return nil
	}
	out := make([]any, len(l))
	for i, v := range l {
		out[i] = cloneAny(v)
	}
	return out
}

var refTypes sync.Map // reflect.Type -> bool

// hasRefs reports whether values of t can share memory with a copy.
func hasRefs(t reflect.Type) bool {
	if cached, ok := refTypes.Load(t); ok {
		return cached.(bool)
	}
	var refs bool
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		refs = true
	case reflect.Array:
		refs = hasRefs(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasRefs(t.Field(i).Type) {
				refs = true
				break
			}
		}
	}
	refTypes.Store(t, refs)
	return refs
}

func deepCopy(v reflect.Value) reflect.Value {
	if !v.IsValid() || !hasRefs(v.Type()) {
		return v
	}
	t := v.Type()
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(deepCopy(v.Elem()))
		return p
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		out := reflect.New(t).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		out := reflect.MakeMapWithSize(t, v.Len())
		for it := v.MapRange(); it.Next(); {
			out.SetMapIndex(it.Key(), deepCopy(it.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(t)
		}
		out := reflect.MakeSlice(t, v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(t).Elem()
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Struct:
		out := reflect.New(t).Elem()
		out.Set(v)
		for i := range v.NumField() {
			if f := out.Field(i); f.CanSet() {
				f.Set(deepCopy(v.Field(i)))
			}
		}
		return out
	}
	return v
}
