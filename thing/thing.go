// Package thing holds the minimal view of a twin document needed by search:
// a JSON object addressed by slash-separated paths and identified by its
// thingId.
package thing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IDField is the top-level field carrying a thing's identity.
const IDField = "thingId"

// Thing is a decoded twin document.
type Thing map[string]any

// ID returns the thing's identity or "" when absent.
func (t Thing) ID() string {
	id, _ := t[IDField].(string)
	return id
}

// Lookup resolves a slash-separated path such as "attributes/location/room".
func (t Thing) Lookup(path string) (any, bool) {
	var cur any = map[string]any(t)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at path, creating intermediate objects.
func (t Thing) Set(path string, v any) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	cur := map[string]any(t)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// Clone returns a deep copy.
func (t Thing) Clone() Thing {
	if t == nil {
		return nil
	}
	return Thing(cloneMap(t))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = cloneValue(x[i])
		}
		return cp
	default:
		return v
	}
}

// Parse decodes a JSON object into a Thing and checks it carries an id.
func Parse(data []byte) (Thing, error) {
	var t Thing
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("thing: decode: %w", err)
	}
	if t.ID() == "" {
		return nil, fmt.Errorf("thing: missing %s", IDField)
	}
	return t, nil
}

// Normalize re-encodes v through JSON so that numbers become float64 and
// maps become map[string]any, whatever decoder produced it.
func Normalize(v any) (Thing, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("thing: normalize: %w", err)
	}
	return Parse(b)
}
