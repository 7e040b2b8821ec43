// Package push delivers notifications to users' registered push endpoints in
// the background, off the request path.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/ratelimit"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

// ErrGone means the push service no longer knows the subscription.
var ErrGone = errors.New("push subscription gone")

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub store.PushSubscription, payload []byte) error
}

// SubscriptionStore is the slice of the store the dispatcher needs.
type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]store.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error
}

// Payload is the JSON document shown by the service worker.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// Config sizes the dispatcher.
type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
}

type job struct {
	userID  string
	payload []byte
}

// Dispatcher is a bounded queue of push jobs drained by a fixed worker pool.
// Enqueue never blocks; a full queue drops the job.
type Dispatcher struct {
	sender  Sender
	store   SubscriptionStore
	logger  *slog.Logger
	metrics *observability.Metrics
	limiter ratelimit.Limiter
	timeout time.Duration
	workers int

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before enqueueing.
func NewDispatcher(cfg Config, sender Sender, subs SubscriptionStore, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.RatePerSec > 0 {
		limiter = ratelimit.New(cfg.RatePerSec)
	}
	return &Dispatcher{
		sender:  sender,
		store:   subs,
		logger:  logger,
		metrics: metrics,
		limiter: limiter,
		timeout: cfg.SendTimeout,
		workers: cfg.Workers,
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				d.deliver(j)
			}
		}()
	}
}

// Enqueue schedules a push to every subscription of userID and reports
// whether the job was accepted.
func (d *Dispatcher) Enqueue(userID string, p Payload) bool {
	if d == nil || d.sender == nil {
		return false
	}
	body, err := json.Marshal(p)
	if err != nil {
		d.logger.Warn("push payload encode failed", "user_id", userID, "error", err)
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job{userID: userID, payload: body}:
		return true
	default:
		d.count("dropped")
		d.logger.Warn("push queue full; dropping notification", "user_id", userID)
		return false
	}
}

// Close stops accepting jobs and waits for queued jobs to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	subs, err := d.store.ListPushSubscriptions(ctx, j.userID)
	if err != nil {
		d.count("failed")
		d.logger.Warn("push subscriptions lookup failed", "user_id", j.userID, "error", err)
		return
	}
	for _, sub := range subs {
		d.limiter.Take()
		err := d.sender.Send(ctx, sub, j.payload)
		switch {
		case err == nil:
			d.count("sent")
		case errors.Is(err, ErrGone):
			d.count("gone")
			d.removeDead(ctx, sub)
		default:
			d.count("failed")
			d.logger.Warn("push delivery failed", "user_id", j.userID, "subscription_id", sub.ID, "error", err)
		}
	}
}

// removeDead deletes a subscription the push service reported gone.
func (d *Dispatcher) removeDead(ctx context.Context, sub store.PushSubscription) {
	if err := d.store.DeletePushSubscription(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("dead push subscription cleanup failed", "subscription_id", sub.ID, "error", err)
		return
	}
	d.logger.Info("removed dead push subscription", "user_id", sub.UserID, "subscription_id", sub.ID)
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.Push.WithLabelValues(outcome).Inc()
	}
}
