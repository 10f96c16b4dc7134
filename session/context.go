package session

import "strings"

// SetPath writes value into ctx at a dotted path, creating intermediate maps
// as needed. Existing non-map intermediates are replaced.
func SetPath(ctx map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	cur := ctx
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// DeepMerge merges patch into dst recursively. Map values merge; everything
// else overwrites. Dotted keys in patch expand into nested paths.
func DeepMerge(dst, patch map[string]any) {
	for k, v := range patch {
		if strings.Contains(k, ".") {
			SetPath(dst, k, v)
			continue
		}
		if pv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				DeepMerge(dv, pv)
				continue
			}
		}
		dst[k] = v
	}
}
