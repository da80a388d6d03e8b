package query

import (
	"cmp"
	"encoding/json"
)

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

// CompareValues orders two JSON values: null < bool < number < string <
// everything else, the latter compared by their JSON text.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		return cmp.Compare(toFloat(a), toFloat(b))
	case 3:
		return cmp.Compare(a.(string), b.(string))
	default:
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return cmp.Compare(string(ja), string(jb))
	}
}
