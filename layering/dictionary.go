package layering

// Blocked reports whether a dictionary entry value withdraws the key from
// weaker layers. Set by callers that have a block sentinel.
type Blocked func(value any) bool

// MergeDictionaries composes dictionaries ordered from strongest to weakest.
// Unlike MergeLayers every authored entry is an opinion, zero values
// included: a stronger false still wins over a weaker true. Nested
// map[string]any values merge recursively. When blocked is not nil, an
// entry it matches hides the key from weaker layers and is dropped from the
// result.
func MergeDictionaries(blocked Blocked, dicts ...map[string]any) map[string]any {
	var out map[string]any
	hidden := map[string]bool{}
	for _, dict := range dicts {
		if dict == nil {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(dict))
		}
		for key, value := range dict {
			if hidden[key] {
				continue
			}
			if blocked != nil && blocked(value) {
				if _, set := out[key]; !set {
					hidden[key] = true
				}
				continue
			}
			existing, set := out[key]
			if !set {
				out[key] = Clone(value)
				continue
			}
			strong, sok := existing.(map[string]any)
			weak, wok := value.(map[string]any)
			if sok && wok {
				out[key] = MergeDictionaries(blocked, strong, weak)
			}
		}
	}
	return out
}
