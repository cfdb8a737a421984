package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-agent/internal/bus"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscriber("jobs").Receive(ctx, func(_ context.Context, d bus.Delivery) {
			mu.Lock()
			received = append(received, string(d.Data()))
			mu.Unlock()
			d.Ack()
		})
	}()

	id1, err := b.Publish(ctx, "jobs", []byte("one"), map[string]string{"k": "v"})
	require.NoError(t, err)
	id2, err := b.Publish(ctx, "jobs", []byte("two"), nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"one", "two"}, received)
	mu.Unlock()

	cancel()
	<-done

	require.Len(t, b.Published("jobs"), 2)
	require.Equal(t, "v", b.Published("jobs")[0].Attributes["k"])
	require.ElementsMatch(t, []string{id1, id2}, b.Acked())
}

func TestNackRequeuesMessage(t *testing.T) {
	t.Parallel()

	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu         sync.Mutex
		deliveries int
	)
	go func() {
		_ = b.Subscriber("jobs").Receive(ctx, func(_ context.Context, d bus.Delivery) {
			mu.Lock()
			deliveries++
			first := deliveries == 1
			mu.Unlock()
			if first {
				d.Nack()
				return
			}
			d.Ack()
		})
	}()

	_, err := b.Publish(ctx, "jobs", []byte("job"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 2
	}, time.Second, 5*time.Millisecond)

	require.Len(t, b.Nacked(), 1)
	require.Len(t, b.Acked(), 1)
}

func TestReceiveStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Subscriber("jobs").Receive(ctx, func(context.Context, bus.Delivery) {})
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after cancel")
	}
}

func TestPublishedReturnsCopy(t *testing.T) {
	t.Parallel()

	b := New()
	ctx := context.Background()
	_, err := b.Publish(ctx, "jobs", []byte("payload"), nil)
	require.NoError(t, err)

	got := b.Published("jobs")
	got[0].ID = "mutated"
	require.Equal(t, "mem-1", b.Published("jobs")[0].ID)
}
