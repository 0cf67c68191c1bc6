package layer

import (
	"math"
	"slices"
	"sort"
)

// TimeSample is one authored value at a time code.
type TimeSample struct {
	Time  float64 `json:"time" yaml:"time"`
	Value any     `json:"value" yaml:"value"`
}

// TimeSamples is a set of samples kept sorted by strictly increasing time.
// Methods that edit the set return the updated value.
type TimeSamples []TimeSample

// NewTimeSamples builds a sorted sample set from a time to value map.
func NewTimeSamples(values map[float64]any) TimeSamples {
	out := make(TimeSamples, 0, len(values))
	for t, v := range values {
		if math.IsNaN(t) {
			continue
		}
		out = append(out, TimeSample{Time: t, Value: v})
	}
	slices.SortFunc(out, func(a, b TimeSample) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of samples.
func (ts TimeSamples) Len() int { return len(ts) }

// Times returns the sample times in increasing order.
func (ts TimeSamples) Times() []float64 {
	out := make([]float64, len(ts))
	for i, s := range ts {
		out[i] = s.Time
	}
	return out
}

func (ts TimeSamples) search(t float64) (int, bool) {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].Time >= t })
	return i, i < len(ts) && ts[i].Time == t
}

// Value returns the sample authored exactly at t.
func (ts TimeSamples) Value(t float64) (any, bool) {
	if i, ok := ts.search(t); ok {
		return ts[i].Value, true
	}
	return nil, false
}

// Set returns ts with the sample at t replaced or inserted.
func (ts TimeSamples) Set(t float64, v any) TimeSamples {
	if math.IsNaN(t) {
		return ts
	}
	i, ok := ts.search(t)
	if ok {
		out := slices.Clone(ts)
		out[i].Value = v
		return out
	}
	return slices.Insert(slices.Clone(ts), i, TimeSample{Time: t, Value: v})
}

// Erase returns ts without the sample at t.
func (ts TimeSamples) Erase(t float64) TimeSamples {
	i, ok := ts.search(t)
	if !ok {
		return ts
	}
	return slices.Delete(slices.Clone(ts), i, i+1)
}

// Bracket returns the sample times surrounding t. Before the first sample
// both bounds are the first time; after the last, both are the last time;
// on an authored time both bounds are t.
func (ts TimeSamples) Bracket(t float64) (lo, hi float64, ok bool) {
	if len(ts) == 0 || math.IsNaN(t) {
		return 0, 0, false
	}
	i, exact := ts.search(t)
	switch {
	case exact:
		return t, t, true
	case i == 0:
		return ts[0].Time, ts[0].Time, true
	case i == len(ts):
		last := ts[len(ts)-1].Time
		return last, last, true
	default:
		return ts[i-1].Time, ts[i].Time, true
	}
}

// InInterval returns the sample times within [lo, hi].
func (ts TimeSamples) InInterval(lo, hi float64) []float64 {
	var out []float64
	for _, s := range ts {
		if s.Time >= lo && s.Time <= hi {
			out = append(out, s.Time)
		}
	}
	return out
}

// isSorted reports whether times strictly increase.
func (ts TimeSamples) isSorted() bool {
	for i := range ts {
		if math.IsNaN(ts[i].Time) {
			return false
		}
		if i > 0 && ts[i-1].Time >= ts[i].Time {
			return false
		}
	}
	return true
}
