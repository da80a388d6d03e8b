package query

import (
	"fmt"
	"slices"
	"strings"

	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

// Fields selects parts of a document. A nil selector selects everything.
type Fields []string

// ParseFields parses "thingId,attributes/location".
func ParseFields(spec string) (Fields, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out Fields
	for _, raw := range strings.Split(spec, ",") {
		p, ok := normalizePath(raw)
		if !ok {
			return nil, search.ErrInvalidOption.WithDescription(fmt.Sprintf("invalid field selector %q", strings.TrimSpace(raw)))
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// All reports whether the selector selects the whole document.
func (f Fields) All() bool { return len(f) == 0 }

// Union selects everything either selector selects.
func (f Fields) Union(o Fields) Fields {
	if f.All() || o.All() {
		return nil
	}
	out := slices.Clone(f)
	for _, p := range o {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Project copies the selected parts of doc. The thingId is always kept.
func (f Fields) Project(doc thing.Thing) thing.Thing {
	if f.All() {
		return doc.Clone()
	}
	out := thing.Thing{thing.IDField: doc.ID()}
	for _, p := range f {
		if v, ok := doc.Lookup(p); ok {
			out.Set(p, v)
		}
	}
	return out.Clone()
}

func (f Fields) String() string { return strings.Join(f, ",") }
