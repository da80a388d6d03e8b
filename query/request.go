package query

import (
	"strings"

	"github.com/eclipse-ditto/ditto-sub092/search"
)

// Request is a validated subscription query.
type Request struct {
	Filter *Filter
	Sort   Sort
	Fields Fields
	// After is the decoded resume position, nil to start from the beginning.
	After SortKey
	// Size is the page size asked for through size(n), 0 when unset.
	Size int
}

// FromCommand validates every part of cmd. The first invalid part decides the
// returned protocol error.
func FromCommand(cmd *search.CreateSubscription) (*Request, error) {
	filter, err := ParseFilter(cmd.Filter)
	if err != nil {
		return nil, err
	}
	opts, err := ParseOptions(cmd.Options)
	if err != nil {
		return nil, err
	}
	sort := opts.Sort
	if strings.TrimSpace(cmd.Sort) != "" {
		s, err := ParseSort(cmd.Sort)
		if err != nil {
			return nil, err
		}
		if sort != nil && !sort.Equal(s) {
			return nil, search.ErrInvalidOption.WithDescription("sort given both as field and option with different values")
		}
		sort = s
	}
	if sort == nil {
		sort = append(Sort(nil), DefaultSort...)
	}
	fields, err := ParseFields(cmd.Fields)
	if err != nil {
		return nil, err
	}
	req := &Request{Filter: filter, Sort: sort, Fields: fields, Size: opts.Size}
	if cmd.Cursor != "" {
		after, err := DecodeCursor(cmd.Cursor, sort)
		if err != nil {
			return nil, err
		}
		req.After = after
	}
	return req, nil
}
