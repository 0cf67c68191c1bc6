package scene

import "reflect"

// lerp blends a toward b by frac. Floats blend directly; arrays and slices
// of equal length blend element-wise. Other kinds report false so callers
// hold the earlier value.
func lerp(a, b any, frac float64) (any, bool) {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return nil, false
	}
	out, ok := lerpValue(va, vb, frac)
	if !ok {
		return nil, false
	}
	return out.Interface(), true
}

func lerpValue(a, b reflect.Value, frac float64) (reflect.Value, bool) {
	switch a.Kind() {
	case reflect.Float32, reflect.Float64:
		out := reflect.New(a.Type()).Elem()
		out.SetFloat(a.Float() + (b.Float()-a.Float())*frac)
		return out, true
	case reflect.Array:
		out := reflect.New(a.Type()).Elem()
		for i := range a.Len() {
			v, ok := lerpValue(a.Index(i), b.Index(i), frac)
			if !ok {
				return reflect.Value{}, false
			}
			out.Index(i).Set(v)
		}
		return out, true
	case reflect.Slice:
		if a.Len() != b.Len() {
			return reflect.Value{}, false
		}
		out := reflect.MakeSlice(a.Type(), a.Len(), a.Len())
		for i := range a.Len() {
			v, ok := lerpValue(a.Index(i), b.Index(i), frac)
			if !ok {
				return reflect.Value{}, false
			}
			out.Index(i).Set(v)
		}
		return out, true
	}
	return reflect.Value{}, false
}
