package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

func doc(t *testing.T, js string) thing.Thing {
	t.Helper()
	th, err := thing.Parse([]byte(js))
	require.NoError(t, err)
	return th
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(`thing.attributes.counter > 1 && thing.attributes.room == "kitchen"`)
	require.NoError(t, err)

	assert.True(t, f.Matches(doc(t, `{"thingId":"a:1","attributes":{"counter":2,"room":"kitchen"}}`)))
	assert.False(t, f.Matches(doc(t, `{"thingId":"a:2","attributes":{"counter":1,"room":"kitchen"}}`)))
	assert.False(t, f.Matches(doc(t, `{"thingId":"a:3"}`)), "missing fields never match")

	all, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.True(t, all.Matches(doc(t, `{"thingId":"a:3"}`)))
}

func TestParseFilter_Invalid(t *testing.T) {
	for _, expr := range []string{`thing.attributes.counter >`, `1 + 2`, `unknown == 1`} {
		_, err := ParseFilter(expr)
		assert.ErrorIs(t, err, search.ErrInvalidFilter, expr)
	}
}

func TestParseSort(t *testing.T) {
	s, err := ParseSort("-attributes/counter, attributes/room")
	require.NoError(t, err)
	assert.Equal(t, "-attributes/counter,+attributes/room,+thingId", s.String())

	s, err = ParseSort("sort(-thingId)")
	require.NoError(t, err)
	assert.Equal(t, "-thingId", s.String())

	s, err = ParseSort("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSort, s)

	for _, bad := range []string{"+", "+a,+a", "-attributes//x", "+a b"} {
		_, err := ParseSort(bad)
		assert.ErrorIs(t, err, search.ErrInvalidSort, bad)
	}
}

func TestSortCompare(t *testing.T) {
	s, err := ParseSort("-attributes/counter")
	require.NoError(t, err)

	a := s.KeyOf(doc(t, `{"thingId":"a:1","attributes":{"counter":5}}`))
	b := s.KeyOf(doc(t, `{"thingId":"a:2","attributes":{"counter":3}}`))
	c := s.KeyOf(doc(t, `{"thingId":"a:3","attributes":{"counter":3}}`))
	missing := s.KeyOf(doc(t, `{"thingId":"a:0"}`))

	assert.Negative(t, s.Compare(a, b))
	assert.Negative(t, s.Compare(b, c), "ties broken by thingId")
	assert.Positive(t, s.Compare(missing, c), "null sorts first ascending, last descending")
	assert.Zero(t, s.Compare(c, c))
}

func TestCompareValues(t *testing.T) {
	assert.Negative(t, CompareValues(nil, false))
	assert.Negative(t, CompareValues(true, 0.0))
	assert.Negative(t, CompareValues(1, 1.5))
	assert.Negative(t, CompareValues(99.0, "a"))
	assert.Negative(t, CompareValues("a", "b"))
	assert.Negative(t, CompareValues("z", map[string]any{}))
	assert.Zero(t, CompareValues(int64(2), 2.0))
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions("size(2),sort(+attributes/x,-thingId)")
	require.NoError(t, err)
	assert.Equal(t, 2, o.Size)
	assert.Equal(t, "+attributes/x,-thingId", o.Sort.String())

	for _, bad := range []string{"limit(0,10)", "cursor(abc)", "size(0)", "size(x)", "foo(1)", "size(1", "size"} {
		_, err := ParseOptions(bad)
		assert.ErrorIs(t, err, search.ErrInvalidOption, bad)
	}
}

func TestFieldsProject(t *testing.T) {
	f, err := ParseFields("attributes/room, features/temp")
	require.NoError(t, err)

	d := doc(t, `{"thingId":"a:1","attributes":{"room":"k","secret":1},"features":{"temp":{"v":3}}}`)
	p := f.Project(d)
	assert.Equal(t, thing.Thing{
		"thingId":    "a:1",
		"attributes": map[string]any{"room": "k"},
		"features":   map[string]any{"temp": map[string]any{"v": 3.0}},
	}, p)

	assert.True(t, f.Union(nil).All())
	assert.Equal(t, Fields{"attributes/room", "features/temp", "thingId"}, f.Union(Fields{"thingId", "features/temp"}))

	_, err = ParseFields("a,,b")
	assert.ErrorIs(t, err, search.ErrInvalidOption)
}

func TestCursorRoundTrip(t *testing.T) {
	s, err := ParseSort("-attributes/counter")
	require.NoError(t, err)
	key := SortKey{3.0, "a:2"}

	token := EncodeCursor(s, key)
	got, err := DecodeCursor(token, s)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecodeCursor(token, DefaultSort)
	assert.ErrorIs(t, err, search.ErrInvalidOption)
	_, err = DecodeCursor("%%%", s)
	assert.ErrorIs(t, err, search.ErrInvalidOption)
}

func TestFromCommand(t *testing.T) {
	req, err := FromCommand(&search.CreateSubscription{
		Filter:  `thing.attributes.x == 1`,
		Options: "size(5),sort(-attributes/x)",
		Fields:  "attributes",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, req.Size)
	assert.Equal(t, "-attributes/x,+thingId", req.Sort.String())
	assert.Nil(t, req.After)

	_, err = FromCommand(&search.CreateSubscription{Sort: "+a", Options: "sort(-a)"})
	assert.ErrorIs(t, err, search.ErrInvalidOption)

	_, err = FromCommand(&search.CreateSubscription{Filter: "(", Sort: "+a,+a"})
	assert.ErrorIs(t, err, search.ErrInvalidFilter, "filter is validated first")

	_, err = FromCommand(&search.CreateSubscription{Options: "limit(0,1)"})
	assert.ErrorIs(t, err, search.ErrInvalidOption)

	cursor := EncodeCursor(DefaultSort, SortKey{"a:1"})
	req, err = FromCommand(&search.CreateSubscription{Cursor: cursor})
	require.NoError(t, err)
	assert.Equal(t, SortKey{"a:1"}, req.After)
}
