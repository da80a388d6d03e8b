package query

import (
	"regexp"
	"strings"
)

var pathPattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]+(/[A-Za-z0-9_:.\-]+)*$`)

func normalizePath(p string) (string, bool) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if !pathPattern.MatchString(p) {
		return "", false
	}
	return p, true
}

// splitTopLevel splits s on commas that are not nested in parentheses.
func splitTopLevel(s string) ([]string, bool) {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, false
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, false
	}
	return append(parts, s[start:]), true
}
