package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/eclipse-ditto/ditto-sub092/search"
)

type cursorPayload struct {
	Sort   string `json:"s"`
	Values []any  `json:"v"`
}

// EncodeCursor builds an opaque resume token for the position just after key.
func EncodeCursor(s Sort, key SortKey) string {
	b, _ := json.Marshal(cursorPayload{Sort: s.String(), Values: key})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor recovers the sort key from token. The token must have been
// produced under the same sort.
func DecodeCursor(token string, s Sort) (SortKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, search.ErrInvalidOption.WithDescription("cursor is not valid base64")
	}
	var p cursorPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, search.ErrInvalidOption.WithDescription("cursor is malformed")
	}
	if p.Sort != s.String() {
		return nil, search.ErrInvalidOption.WithDescription(fmt.Sprintf("cursor was issued for sort %q, not %q", p.Sort, s.String()))
	}
	if len(p.Values) != len(s) {
		return nil, search.ErrInvalidOption.WithDescription("cursor does not match the sort fields")
	}
	return SortKey(p.Values), nil
}
