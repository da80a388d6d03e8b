package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
	"github.com/eclipse-ditto/ditto-sub092/twinstore"
	"github.com/eclipse-ditto/ditto-sub092/twinstore/twinstoretest"
)

func TestMemoryStore(t *testing.T) {
	twinstoretest.RunStoreTests(t, func(t *testing.T) twinstore.Store {
		return New()
	})
}

func TestReadPolicyForbids(t *testing.T) {
	s := New(WithReadPolicy(func(_ context.Context, id string) bool { return id != "ns:secret" }))
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, thing.Thing{thing.IDField: "ns:secret"}))

	_, err := s.Fetch(ctx, "ns:secret", nil)
	assert.ErrorIs(t, err, twinstore.ErrForbidden)
	assert.True(t, twinstore.IsOutOfSync(err))
}

func TestDropTwinLeavesIndexEntry(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, thing.Thing{thing.IDField: "ns:a"}))
	s.DropTwin("ns:a")

	stream, err := s.OpenIDStream(ctx, twinstore.IDStreamRequest{Sort: query.DefaultSort})
	require.NoError(t, err)
	ids, err := stream.Next(ctx, 5)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"ns:a"}, ids)

	_, err = s.Fetch(ctx, "ns:a", nil)
	assert.ErrorIs(t, err, twinstore.ErrNotFound)
}

func TestCursorTTL(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(WithCursorTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, thing.Thing{thing.IDField: "ns:a"}))
	require.NoError(t, s.Put(ctx, thing.Thing{thing.IDField: "ns:b"}))
	require.NoError(t, s.Put(ctx, thing.Thing{thing.IDField: "ns:c"}))

	stream, err := s.OpenIDStream(ctx, twinstore.IDStreamRequest{Sort: query.DefaultSort})
	require.NoError(t, err)
	_, err = stream.Next(ctx, 1)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = stream.Next(ctx, 1)
	require.NoError(t, err, "a cursor used within its ttl stays valid")

	now = now.Add(2 * time.Minute)
	_, err = stream.Next(ctx, 1)
	assert.True(t, errors.Is(err, twinstore.ErrCursorInvalid))
}
