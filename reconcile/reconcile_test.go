package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse-ditto/ditto-sub092/internal/retry"
	"github.com/eclipse-ditto/ditto-sub092/reconcile"
	"github.com/eclipse-ditto/ditto-sub092/reconcile/memory"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

type sinkFunc func(ctx context.Context, r reconcile.Report) error

func (f sinkFunc) Deliver(ctx context.Context, r reconcile.Report) error { return f(ctx, r) }

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &memory.Sink{}
	d := reconcile.NewDispatcher(sink)

	ctx := context.Background()
	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})
	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:b", "ns:c"}})
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, []string{"ns:a", "ns:b", "ns:c"}, sink.IDs())
	reports := sink.Reports()
	require.Len(t, reports, 2)
	assert.False(t, reports[0].ReportedAt.IsZero())
	assert.Equal(t, uint64(2), d.Stats().Delivered)
}

func TestDispatcher_IgnoresEmptyReports(t *testing.T) {
	sink := &memory.Sink{}
	d := reconcile.NewDispatcher(sink)
	d.Report(context.Background(), reconcile.Report{SubscriptionID: "s1"})
	require.NoError(t, d.Close(context.Background()))
	assert.Empty(t, sink.Reports())
}

func TestDispatcher_RetriesFailedDelivery(t *testing.T) {
	var calls atomic.Int32
	sink := sinkFunc(func(context.Context, reconcile.Report) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	})
	d := reconcile.NewDispatcher(sink, reconcile.WithRetry(fastRetry()))
	d.Report(context.Background(), reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, reconcile.Stats{Delivered: 1}, d.Stats())
}

func TestDispatcher_CountsExhaustedDelivery(t *testing.T) {
	sink := sinkFunc(func(context.Context, reconcile.Report) error { return errors.New("down") })
	d := reconcile.NewDispatcher(sink, reconcile.WithRetry(fastRetry()))
	d.Report(context.Background(), reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	sink := sinkFunc(func(ctx context.Context, r reconcile.Report) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	d := reconcile.NewDispatcher(sink, reconcile.WithQueueSize(1), reconcile.WithEnqueueWait(10*time.Millisecond))
	ctx := context.Background()

	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})
	<-started // first report is being delivered, the queue is empty again
	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:b"}})
	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:c"}})

	close(release)
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, reconcile.Stats{Delivered: 2, Dropped: 1}, d.Stats())
}

func TestDispatcher_WaitsForRoomBeforeDropping(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	sink := &memory.Sink{}
	blocking := sinkFunc(func(ctx context.Context, r reconcile.Report) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return sink.Deliver(ctx, r)
	})
	d := reconcile.NewDispatcher(blocking, reconcile.WithQueueSize(1), reconcile.WithEnqueueWait(5*time.Second))
	ctx := context.Background()

	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})
	<-started
	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:b"}})

	queued := make(chan struct{})
	go func() {
		d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:c"}})
		close(queued)
	}()
	select {
	case <-queued:
		t.Fatal("Report returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-queued:
	case <-time.After(2 * time.Second):
		t.Fatal("Report did not queue once room was available")
	}
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, reconcile.Stats{Delivered: 3}, d.Stats())
	assert.Equal(t, []string{"ns:a", "ns:b", "ns:c"}, sink.IDs())
}

func TestDispatcher_CloseTwiceAndReportAfterClose(t *testing.T) {
	sink := &memory.Sink{}
	d := reconcile.NewDispatcher(sink)
	ctx := context.Background()
	require.NoError(t, d.Close(ctx))
	assert.ErrorIs(t, d.Close(ctx), reconcile.ErrClosed)

	d.Report(ctx, reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	assert.Empty(t, sink.Reports())
}

func TestDispatcher_CloseHonoursDeadline(t *testing.T) {
	sink := sinkFunc(func(ctx context.Context, r reconcile.Report) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := reconcile.NewDispatcher(sink)
	d.Report(context.Background(), reconcile.Report{SubscriptionID: "s1", IDs: []string{"ns:a"}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}
