package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eclipse-ditto/ditto-sub092/search"
)

// Options are the settings carried in a subscription's option string.
type Options struct {
	// Size is the requested page size, 0 when unset.
	Size int
	// Sort is set when the option string carried sort(...).
	Sort Sort
}

// ParseOptions parses "size(25),sort(+thingId)". Paging options limit(...)
// and cursor(...) are rejected: a subscription pages by demand, and its
// resume position travels in the dedicated cursor field.
func ParseOptions(spec string) (Options, error) {
	var opts Options
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return opts, nil
	}
	parts, ok := splitTopLevel(spec)
	if !ok {
		return opts, search.ErrInvalidOption.WithDescription("unbalanced parentheses in options")
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		open := strings.IndexByte(part, '(')
		if open <= 0 || !strings.HasSuffix(part, ")") {
			return opts, search.ErrInvalidOption.WithDescription(fmt.Sprintf("malformed option %q", part))
		}
		name, arg := part[:open], part[open+1:len(part)-1]
		switch name {
		case "size":
			n, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil || n < 1 {
				return opts, search.ErrInvalidOption.WithDescription(fmt.Sprintf("size must be a positive integer, got %q", arg))
			}
			opts.Size = n
		case "sort":
			if opts.Sort != nil {
				return opts, search.ErrInvalidOption.WithDescription("sort given more than once")
			}
			s, err := ParseSort(arg)
			if err != nil {
				return opts, err
			}
			opts.Sort = s
		case "limit", "cursor":
			return opts, search.ErrInvalidOption.WithDescription(fmt.Sprintf("option %s(...) is not allowed in options; paging is controlled by demand and the cursor field", name))
		default:
			return opts, search.ErrInvalidOption.WithDescription(fmt.Sprintf("unknown option %q", name))
		}
	}
	return opts, nil
}
