// Package twinstoretest is a conformance suite for twinstore.Store backends.
package twinstoretest

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
)

// StoreFactory creates a fresh, empty store for one test.
type StoreFactory func(t *testing.T) twinstore.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("StreamsIDsInSortOrder", func(t *testing.T) {
		testStreamsIDsInSortOrder(t, factory)
	})
	t.Run("StreamHonoursFilter", func(t *testing.T) {
		testStreamHonoursFilter(t, factory)
	})
	t.Run("StreamResumesAfterCursor", func(t *testing.T) {
		testStreamResumesAfterCursor(t, factory)
	})
	t.Run("StreamIsCold", func(t *testing.T) {
		testStreamIsCold(t, factory)
	})
	t.Run("InvalidatedCursor", func(t *testing.T) {
		testInvalidatedCursor(t, factory)
	})
	t.Run("FetchProjectsFields", func(t *testing.T) {
		testFetchProjectsFields(t, factory)
	})
	t.Run("FetchMissingThing", func(t *testing.T) {
		testFetchMissingThing(t, factory)
	})
	t.Run("DeleteRemovesFromStream", func(t *testing.T) {
		testDeleteRemovesFromStream(t, factory)
	})
}

func seed(t *testing.T, s twinstore.Store, docs ...thing.Thing) {
	t.Helper()
	ctx := context.Background()
	for _, d := range docs {
		if err := s.Put(ctx, d); err != nil {
			t.Fatalf("Put(%s) failed: %v", d.ID(), err)
		}
	}
}

func counterThing(id string, counter float64) thing.Thing {
	return thing.Thing{
		thing.IDField: id,
		"attributes":  map[string]any{"counter": counter, "kind": "sensor"},
	}
}

func mustSort(t *testing.T, spec string) query.Sort {
	t.Helper()
	s, err := query.ParseSort(spec)
	if err != nil {
		t.Fatalf("ParseSort(%q) failed: %v", spec, err)
	}
	return s
}

// drain pulls n ids at a time until the stream ends.
func drain(t *testing.T, stream twinstore.IDStream, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []string
	for {
		ids, err := stream.Next(ctx, n)
		if err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("Next failed: %v", err)
		}
		if len(ids) > n {
			t.Fatalf("Next(%d) returned %d ids", n, len(ids))
		}
		out = append(out, ids...)
		if errors.Is(err, io.EOF) {
			return out
		}
		if len(ids) == 0 {
			t.Fatalf("Next(%d) returned no ids and no error", n)
		}
	}
}

func testStreamsIDsInSortOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, counterThing("ns:c", 1), counterThing("ns:a", 3), counterThing("ns:b", 2), counterThing("ns:d", 2))

	stream, err := s.OpenIDStream(context.Background(), twinstore.IDStreamRequest{Sort: mustSort(t, "-attributes/counter")})
	if err != nil {
		t.Fatalf("OpenIDStream failed: %v", err)
	}
	defer stream.Close()

	got := drain(t, stream, 3)
	want := []string{"ns:a", "ns:b", "ns:d", "ns:c"}
	if !slices.Equal(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func testStreamHonoursFilter(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, counterThing("ns:a", 1), counterThing("ns:b", 5), counterThing("ns:c", 10))

	filter, err := query.ParseFilter("thing.attributes.counter >= 5")
	if err != nil {
		t.Fatalf("ParseFilter failed: %v", err)
	}
	stream, err := s.OpenIDStream(context.Background(), twinstore.IDStreamRequest{Filter: filter, Sort: query.DefaultSort})
	if err != nil {
		t.Fatalf("OpenIDStream failed: %v", err)
	}
	defer stream.Close()

	got := drain(t, stream, 10)
	want := []string{"ns:b", "ns:c"}
	if !slices.Equal(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func testStreamResumesAfterCursor(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, counterThing("ns:a", 1), counterThing("ns:b", 2), counterThing("ns:c", 3))

	stream, err := s.OpenIDStream(context.Background(), twinstore.IDStreamRequest{
		Sort:   query.DefaultSort,
		Cursor: query.SortKey{"ns:a"},
	})
	if err != nil {
		t.Fatalf("OpenIDStream failed: %v", err)
	}
	defer stream.Close()

	got := drain(t, stream, 1)
	want := []string{"ns:b", "ns:c"}
	if !slices.Equal(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func testStreamIsCold(t *testing.T, factory StoreFactory) {
	s := factory(t)
	stream, err := s.OpenIDStream(context.Background(), twinstore.IDStreamRequest{Sort: query.DefaultSort})
	if err != nil {
		t.Fatalf("OpenIDStream failed: %v", err)
	}
	defer stream.Close()

	// Written after opening but before the first pull.
	seed(t, s, counterThing("ns:late", 1))

	got := drain(t, stream, 5)
	if !slices.Equal(got, []string{"ns:late"}) {
		t.Fatalf("Expected the thing written before the first pull, got %v", got)
	}
}

func testInvalidatedCursor(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, counterThing("ns:a", 1), counterThing("ns:b", 2))
	ctx := context.Background()

	stream, err := s.OpenIDStream(ctx, twinstore.IDStreamRequest{Sort: query.DefaultSort})
	if err != nil {
		t.Fatalf("OpenIDStream failed: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(ctx, 1); err != nil {
		t.Fatalf("First Next failed: %v", err)
	}
	if err := s.InvalidateCursors(ctx); err != nil {
		t.Fatalf("InvalidateCursors failed: %v", err)
	}
	if _, err := stream.Next(ctx, 1); !errors.Is(err, twinstore.ErrCursorInvalid) {
		t.Fatalf("Expected ErrCursorInvalid, got %v", err)
	}

	reopened, err := s.OpenIDStream(ctx, twinstore.IDStreamRequest{Sort: query.DefaultSort, Cursor: query.SortKey{"ns:a"}})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()
	if got := drain(t, reopened, 5); !slices.Equal(got, []string{"ns:b"}) {
		t.Fatalf("Expected reopened stream to continue with ns:b, got %v", got)
	}
}

func testFetchProjectsFields(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, counterThing("ns:a", 7))

	doc, err := s.Fetch(context.Background(), "ns:a", query.Fields{"attributes/counter"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if doc.ID() != "ns:a" {
		t.Fatalf("Expected thingId to be kept, got %v", doc)
	}
	v, ok := doc.Lookup("attributes/counter")
	if !ok || query.CompareValues(v, 7.0) != 0 {
		t.Fatalf("Expected counter 7, got %v", v)
	}
	if _, ok := doc.Lookup("attributes/kind"); ok {
		t.Fatalf("Expected attributes/kind to be projected away, got %v", doc)
	}

	full, err := s.Fetch(context.Background(), "ns:a", nil)
	if err != nil {
		t.Fatalf("Fetch all failed: %v", err)
	}
	if _, ok := full.Lookup("attributes/kind"); !ok {
		t.Fatalf("Expected full document, got %v", full)
	}
}

func testFetchMissingThing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.Fetch(context.Background(), "ns:missing", nil)
	if !errors.Is(err, twinstore.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if !twinstore.IsOutOfSync(err) {
		t.Fatalf("Expected not-found to count as out of sync")
	}
}

func testDeleteRemovesFromStream(t *testing.T, factory StoreFactory) {
	s := factory(t)
	seed(t, s, counterThing("ns:a", 1), counterThing("ns:b", 2))
	if err := s.Delete(context.Background(), "ns:a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	stream, err := s.OpenIDStream(context.Background(), twinstore.IDStreamRequest{Sort: query.DefaultSort})
	if err != nil {
		t.Fatalf("OpenIDStream failed: %v", err)
	}
	defer stream.Close()
	if got := drain(t, stream, 5); !slices.Equal(got, []string{"ns:b"}) {
		t.Fatalf("Expected [ns:b], got %v", got)
	}
}
