package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

type fakeSender struct {
	mu      sync.Mutex
	results map[string]error
	sent    []string
	block   chan struct{}
}

func (f *fakeSender) Send(_ context.Context, sub store.PushSubscription, _ []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.Endpoint)
	return f.results[sub.Endpoint]
}

func (f *fakeSender) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestDispatcher(t *testing.T, cfg Config, sender Sender, subs SubscriptionStore) (*Dispatcher, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(nil)
	d := NewDispatcher(cfg, sender, subs, observability.Discard(), metrics)
	d.Start()
	return d, metrics
}

func TestDispatcherRemovesOnlyGoneSubscriptions(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.PutPushSubscription(ctx, store.PushSubscription{ID: "s1", UserID: "u2", Endpoint: "https://push/alive"}))
	require.NoError(t, mem.PutPushSubscription(ctx, store.PushSubscription{ID: "s2", UserID: "u2", Endpoint: "https://push/gone"}))
	require.NoError(t, mem.PutPushSubscription(ctx, store.PushSubscription{ID: "s3", UserID: "u2", Endpoint: "https://push/flaky"}))

	sender := &fakeSender{results: map[string]error{
		"https://push/gone":  ErrGone,
		"https://push/flaky": errors.New("timeout"),
	}}
	d, metrics := newTestDispatcher(t, Config{Workers: 1}, sender, mem)

	require.True(t, d.Enqueue("u2", Payload{Title: "New mention", Body: "hi"}))
	require.NoError(t, d.Close(ctx))

	assert.ElementsMatch(t, []string{"https://push/alive", "https://push/gone", "https://push/flaky"}, sender.endpoints())

	remaining, err := mem.ListPushSubscriptions(ctx, "u2")
	require.NoError(t, err)
	ids := []string{}
	for _, s := range remaining {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"s1", "s3"}, ids)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Push.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Push.WithLabelValues("gone")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Push.WithLabelValues("failed")))
}

func TestDispatcherEnqueueDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.PutPushSubscription(ctx, store.PushSubscription{ID: "s1", UserID: "u1", Endpoint: "https://push/a"}))

	sender := &fakeSender{block: make(chan struct{})}
	d, metrics := newTestDispatcher(t, Config{Workers: 1, QueueSize: 1}, sender, mem)

	start := time.Now()
	accepted := 0
	for i := 0; i < 5; i++ {
		if d.Enqueue("u1", Payload{Title: "x"}) {
			accepted++
		}
	}
	assert.True(t, time.Since(start) < 100*time.Millisecond, "enqueue blocked")
	assert.Less(t, accepted, 5)
	assert.Greater(t, testutil.ToFloat64(metrics.Push.WithLabelValues("dropped")), 0.0)

	close(sender.block)
	require.NoError(t, d.Close(ctx))
}

func TestDispatcherClosedOrDisabled(t *testing.T) {
	var nilDispatcher *Dispatcher
	assert.False(t, nilDispatcher.Enqueue("u1", Payload{}))

	disabled := NewDispatcher(Config{}, nil, store.NewMemory(), observability.Discard(), nil)
	assert.False(t, disabled.Enqueue("u1", Payload{}))

	d, _ := newTestDispatcher(t, Config{}, &fakeSender{}, store.NewMemory())
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, d.Enqueue("u1", Payload{}))
}
