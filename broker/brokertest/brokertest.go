// Package brokertest holds a conformance suite that every broker.Broker
// implementation runs from its own tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/eclipse-ditto/ditto-sub092/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromBeginning", func(t *testing.T) {
		testPublishAndSubscribeFromBeginning(t, factory)
	})
	t.Run("PublishAndSubscribeFromLastEventID", func(t *testing.T) {
		testPublishAndSubscribeFromLastEventID(t, factory)
	})
	t.Run("LiveDelivery", func(t *testing.T) {
		testLiveDelivery(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribersToSameNamespace(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("CloseEndsStream", func(t *testing.T) {
		testCloseEndsStream(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromNonExistentEventID", func(t *testing.T) {
		testResumeFromNonExistentEventID(t, factory)
	})
}

func testPublishAndSubscribeFromBeginning(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace"
	ids := publishN(t, ctx, b, namespace, 3)

	stream, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 3; i++ {
		env := mustNext(t, ctx, stream)
		if env.ID != ids[i] {
			t.Fatalf("message %d: expected id %s, got %s", i, ids[i], env.ID)
		}
		if want := payload(i); string(env.Data) != want {
			t.Fatalf("message %d: expected data %q, got %q", i, want, env.Data)
		}
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-2"
	ids := publishN(t, ctx, b, namespace, 3)

	stream, err := b.Subscribe(ctx, namespace, ids[0])
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	for i := 1; i < 3; i++ {
		env := mustNext(t, ctx, stream)
		if env.ID != ids[i] {
			t.Fatalf("expected id %s after resume, got %s", ids[i], env.ID)
		}
	}
}

func testLiveDelivery(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-3"
	stream, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	received := make(chan broker.MessageEnvelope, 1)
	errs := make(chan error, 1)
	go func() {
		env, err := stream.Next(ctx)
		if err != nil {
			errs <- err
			return
		}
		received <- env
	}()

	time.Sleep(50 * time.Millisecond)
	id, err := b.Publish(ctx, namespace, []byte("live"))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	select {
	case env := <-received:
		if env.ID != id || string(env.Data) != "live" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case err := <-errs:
		t.Fatalf("Next failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("message was not delivered to a waiting reader")
	}
}

func testMultipleSubscribersToSameNamespace(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-4a"
	const readers = 3
	const messages = 5

	var wg sync.WaitGroup
	results := make([][]string, readers)
	failures := make(chan error, readers)
	for r := 0; r < readers; r++ {
		stream, err := b.Subscribe(ctx, namespace, "")
		if err != nil {
			t.Fatalf("Failed to subscribe reader %d: %v", r, err)
		}
		wg.Add(1)
		go func(r int, stream broker.MessageStream) {
			defer wg.Done()
			defer stream.Close()
			for i := 0; i < messages; i++ {
				env, err := stream.Next(ctx)
				if err != nil {
					failures <- fmt.Errorf("reader %d: %w", r, err)
					return
				}
				results[r] = append(results[r], string(env.Data))
			}
		}(r, stream)
	}

	publishN(t, ctx, b, namespace, messages)
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatal(err)
	}

	for r := 0; r < readers; r++ {
		for i := 0; i < messages; i++ {
			if results[r][i] != payload(i) {
				t.Fatalf("reader %d message %d: expected %q, got %q", r, i, payload(i), results[r][i])
			}
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := b.Publish(ctx, "test-namespace-4a", []byte("a")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if _, err := b.Publish(ctx, "test-namespace-4b", []byte("b")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	stream, err := b.Subscribe(ctx, "test-namespace-4b", "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	env := mustNext(t, ctx, stream)
	if string(env.Data) != "b" {
		t.Fatalf("expected only namespace b messages, got %q", env.Data)
	}

	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()
	if env, err := stream.Next(shortCtx); err == nil {
		t.Fatalf("unexpected message from another namespace: %q", env.Data)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := b.Subscribe(ctx, "test-namespace-5", "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func testCloseEndsStream(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	publishN(t, ctx, b, "test-namespace-6", 1)
	stream, err := b.Subscribe(ctx, "test-namespace-6", "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := stream.Next(ctx); err == nil {
		t.Fatal("expected an error from Next after Close")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-7"
	ids := publishN(t, ctx, b, namespace, 2)

	stream, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	if err := b.Cleanup(ctx, namespace); err != nil {
		t.Fatalf("Failed to cleanup namespace: %v", err)
	}

	// Stored messages are still readable, then the stream ends.
	for i := 0; i < 2; i++ {
		env := mustNext(t, ctx, stream)
		if env.ID != ids[i] {
			t.Fatalf("expected id %s, got %s", ids[i], env.ID)
		}
	}
	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after cleanup, got %v", err)
	}
}

func testResumeFromNonExistentEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-8"
	stream, err := b.Subscribe(ctx, namespace, "999999")
	if err != nil {
		t.Fatalf("Failed to subscribe from unknown event id: %v", err)
	}
	defer stream.Close()

	if _, err := b.Publish(ctx, namespace, []byte("after")); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	env := mustNext(t, ctx, stream)
	if string(env.Data) != "after" {
		t.Fatalf("expected new message, got %q", env.Data)
	}
}

// RunRetentionTests checks that a broker built by factory keeps a bounded
// replay window of roughly maxLen messages per namespace.
func RunRetentionTests(t *testing.T, factory BrokerFactory, maxLen int) {
	t.Run("TrimsOldMessages", func(t *testing.T) {
		testTrimsOldMessages(t, factory, maxLen)
	})
}

func testTrimsOldMessages(t *testing.T, factory BrokerFactory, maxLen int) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	namespace := "test-namespace-9"
	total := maxLen * 10
	ids := publishN(t, ctx, b, namespace, total)

	all, err := b.Subscribe(ctx, namespace, "")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer all.Close()
	recent, err := b.Subscribe(ctx, namespace, ids[total-5])
	if err != nil {
		t.Fatalf("Failed to subscribe from a recent event id: %v", err)
	}
	defer recent.Close()

	if err := b.Cleanup(ctx, namespace); err != nil {
		t.Fatalf("Failed to cleanup namespace: %v", err)
	}

	// A recent Last-Event-ID still resumes exactly.
	for i := total - 4; i < total; i++ {
		env := mustNext(t, ctx, recent)
		if env.ID != ids[i] {
			t.Fatalf("expected id %s after resume, got %s", ids[i], env.ID)
		}
	}

	var stored []string
	for {
		env, err := all.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		stored = append(stored, env.ID)
	}
	if len(stored) < maxLen || len(stored) >= total {
		t.Fatalf("expected between %d and %d retained messages, got %d", maxLen, total-1, len(stored))
	}
	if stored[0] == ids[0] {
		t.Fatalf("oldest message %s was not trimmed", ids[0])
	}
	if last := stored[len(stored)-1]; last != ids[total-1] {
		t.Fatalf("expected newest message %s last, got %s", ids[total-1], last)
	}
}

// Helper functions

func payload(i int) string {
	return fmt.Sprintf(`{"seq":%d}`, i)
}

func publishN(t *testing.T, ctx context.Context, b broker.Broker, namespace string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Publish(ctx, namespace, []byte(payload(i)))
		if err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("Publish returned an empty event id")
		}
		ids = append(ids, id)
	}
	return ids
}

func mustNext(t *testing.T, ctx context.Context, s broker.MessageStream) broker.MessageEnvelope {
	t.Helper()
	env, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return env
}

// cleanupBroker attempts to cleanup any test resources.
// This is a best-effort cleanup and errors are logged but not fatal.
func cleanupBroker(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespaces := []string{
		"test-namespace", "test-namespace-2", "test-namespace-3",
		"test-namespace-4a", "test-namespace-4b", "test-namespace-5",
		"test-namespace-6", "test-namespace-7", "test-namespace-8",
		"test-namespace-9",
	}

	for _, ns := range namespaces {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Logf("Warning: failed to cleanup namespace %s: %v", ns, err)
		}
	}
}
