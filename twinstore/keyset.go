package twinstore

import (
	"iter"
	"slices"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

// NextKeyset selects the next n ids from docs under keyset pagination: the
// documents matching filter that sort strictly after the key after. It returns
// the selected ids, the key of the last one, which is the position for the
// following call, and whether further documents remain. Backends without a
// native ordered index use it to serve IDStream.Next.
func NextKeyset(docs iter.Seq[thing.Thing], filter *query.Filter, s query.Sort, after query.SortKey, n int) ([]string, query.SortKey, bool) {
	type entry struct {
		id  string
		key query.SortKey
	}
	var candidates []entry
	for doc := range docs {
		if filter != nil && !filter.Matches(doc) {
			continue
		}
		key := s.KeyOf(doc)
		if after != nil && s.Compare(key, after) <= 0 {
			continue
		}
		candidates = append(candidates, entry{id: doc.ID(), key: key})
	}
	slices.SortFunc(candidates, func(a, b entry) int { return s.Compare(a.key, b.key) })
	more := len(candidates) > n
	if more {
		candidates = candidates[:n]
	}
	if len(candidates) == 0 {
		return nil, after, false
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, candidates[len(candidates)-1].key, more
}
