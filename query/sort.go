package query

import (
	"fmt"
	"strings"

	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

// SortField is one path of a sort specification.
type SortField struct {
	Path string
	Desc bool
}

func (f SortField) String() string {
	if f.Desc {
		return "-" + f.Path
	}
	return "+" + f.Path
}

// Sort is a total order over documents. Every parsed Sort ends with the
// thingId field so that no two documents compare equal.
type Sort []SortField

// SortKey holds the values of a document under a Sort, field by field.
type SortKey []any

// DefaultSort orders by thingId ascending.
var DefaultSort = Sort{{Path: thing.IDField}}

// ParseSort parses "+thingId,-attributes/counter". The list may also be
// wrapped as "sort(...)". Fields without a sign sort ascending.
func ParseSort(spec string) (Sort, error) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "sort(") && strings.HasSuffix(spec, ")") {
		spec = strings.TrimSpace(spec[len("sort(") : len(spec)-1])
	}
	if spec == "" {
		return append(Sort(nil), DefaultSort...), nil
	}
	var s Sort
	seen := make(map[string]bool)
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		f := SortField{}
		switch {
		case strings.HasPrefix(raw, "-"):
			f.Desc = true
			raw = raw[1:]
		case strings.HasPrefix(raw, "+"):
			raw = raw[1:]
		}
		p, ok := normalizePath(raw)
		if !ok {
			return nil, search.ErrInvalidSort.WithDescription(fmt.Sprintf("invalid sort field %q", raw))
		}
		if seen[p] {
			return nil, search.ErrInvalidSort.WithDescription(fmt.Sprintf("duplicate sort field %q", p))
		}
		seen[p] = true
		f.Path = p
		s = append(s, f)
	}
	if !seen[thing.IDField] {
		s = append(s, SortField{Path: thing.IDField})
	}
	return s, nil
}

func (s Sort) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

// Equal reports whether both sorts define the same order.
func (s Sort) Equal(o Sort) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Fields returns a selector covering exactly the sort paths.
func (s Sort) Fields() Fields {
	out := make(Fields, 0, len(s))
	for _, f := range s {
		out = append(out, f.Path)
	}
	return out
}

// KeyOf extracts doc's sort key. Missing paths yield nil values.
func (s Sort) KeyOf(doc thing.Thing) SortKey {
	key := make(SortKey, len(s))
	for i, f := range s {
		key[i], _ = doc.Lookup(f.Path)
	}
	return key
}

// Compare orders two keys produced by this sort.
func (s Sort) Compare(a, b SortKey) int {
	for i, f := range s {
		var av, bv any
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		c := CompareValues(av, bv)
		if f.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
