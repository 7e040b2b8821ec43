package gateway

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/gochat-gateway/internal/store"
)

const (
	maxCustomStatusLen  = 128
	maxBulkPresenceIDs  = 200
	presenceLockStripes = 64
)

// PresenceStore persists presence records.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p store.UserPresence) error
	GetPresences(ctx context.Context, userIDs []string) (map[string]store.UserPresence, error)
	ListActivePresences(ctx context.Context) ([]store.UserPresence, error)
}

// PresenceView is the presence shape sent to clients.
type PresenceView struct {
	UserID       string               `json:"userId,omitempty"`
	Status       store.PresenceStatus `json:"status"`
	CustomStatus *string              `json:"customStatus"`
	LastSeenAt   time.Time            `json:"lastSeenAt"`
}

func viewOf(p store.UserPresence) PresenceView {
	return PresenceView{
		UserID:       p.UserID,
		Status:       p.Status,
		CustomStatus: p.CustomStatus,
		LastSeenAt:   p.LastSeenAt,
	}
}

// PresenceTracker keeps the durable presence record in line with the
// registry and broadcasts changes to every connection.
//
// Transitions for one user are serialized on a striped lock and always read
// the registry under that lock, so a disconnect racing a reconnect settles on
// the status that matches the final connection count.
type PresenceTracker struct {
	store    PresenceStore
	registry *Registry
	fanout   *Fanout
	logger   *slog.Logger
	now      func() time.Time

	locks [presenceLockStripes]sync.Mutex

	mu    sync.Mutex
	known map[string]store.UserPresence
}

// NewPresenceTracker creates a tracker.
func NewPresenceTracker(s PresenceStore, registry *Registry, fanout *Fanout, logger *slog.Logger, now func() time.Time) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{
		store:    s,
		registry: registry,
		fanout:   fanout,
		logger:   logger,
		now:      now,
		known:    make(map[string]store.UserPresence),
	}
}

func (t *PresenceTracker) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &t.locks[h.Sum32()%presenceLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Connected forces the user ONLINE. first marks the user's first live
// connection, which always broadcasts.
func (t *PresenceTracker) Connected(ctx context.Context, userID string, first bool) {
	defer t.lock(userID)()
	if !t.registry.Online(userID) {
		return
	}
	prev, err := t.current(ctx, userID)
	if err != nil {
		t.logger.Warn("presence load failed", "user_id", userID, "error", err)
	}
	next := prev
	next.Status = store.StatusOnline
	next.LastSeenAt = t.now().UTC()
	if err := t.save(ctx, next); err != nil {
		t.logger.Error("presence connect update failed", "user_id", userID, "error", err)
		return
	}
	if first || prev.Status != store.StatusOnline {
		t.broadcast(next)
	}
}

// Disconnected marks the user OFFLINE once no live connection remains.
func (t *PresenceTracker) Disconnected(ctx context.Context, userID string) {
	defer t.lock(userID)()
	if t.registry.Online(userID) {
		return
	}
	t.setOffline(ctx, userID)
}

func (t *PresenceTracker) setOffline(ctx context.Context, userID string) {
	p, err := t.current(ctx, userID)
	if err != nil {
		t.logger.Warn("presence load failed", "user_id", userID, "error", err)
	}
	p.Status = store.StatusOffline
	p.LastSeenAt = t.now().UTC()
	if err := t.save(ctx, p); err != nil {
		t.logger.Error("presence disconnect update failed", "user_id", userID, "error", err)
		return
	}
	t.broadcast(p)
}

// Heartbeat refreshes lastSeenAt and forces ONLINE. Failures are logged and
// swallowed.
func (t *PresenceTracker) Heartbeat(ctx context.Context, userID string) {
	defer t.lock(userID)()
	if !t.registry.Online(userID) {
		return
	}
	prev, err := t.current(ctx, userID)
	if err != nil {
		t.logger.Warn("presence heartbeat load failed", "user_id", userID, "error", err)
		return
	}
	next := prev
	next.Status = store.StatusOnline
	next.LastSeenAt = t.now().UTC()
	if err := t.save(ctx, next); err != nil {
		t.logger.Warn("presence heartbeat failed", "user_id", userID, "error", err)
		return
	}
	if prev.Status != store.StatusOnline {
		t.broadcast(next)
	}
}

// Update applies an explicit status change.
func (t *PresenceTracker) Update(ctx context.Context, userID string, status store.PresenceStatus, customStatus *string) *Error {
	if !status.Valid() {
		return newError(CodeValidation, "Invalid status")
	}
	if customStatus != nil && utf8.RuneCountInString(*customStatus) > maxCustomStatusLen {
		return newError(CodeValidation, "Custom status is too long")
	}

	defer t.lock(userID)()
	p := store.UserPresence{
		UserID:       userID,
		Status:       status,
		CustomStatus: customStatus,
		LastSeenAt:   t.now().UTC(),
	}
	if err := t.save(ctx, p); err != nil {
		t.logger.Error("presence update failed", "user_id", userID, "error", err)
		return errInternal
	}
	t.broadcast(p)
	return nil
}

// GetBulk returns one entry per requested id. Ids without a stored record
// resolve to OFFLINE.
func (t *PresenceTracker) GetBulk(ctx context.Context, userIDs []string) (map[string]PresenceView, *Error) {
	if len(userIDs) > maxBulkPresenceIDs {
		return nil, newError(CodeValidation, "Too many user IDs")
	}
	unique := make([]string, 0, len(userIDs))
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	stored, err := t.store.GetPresences(ctx, unique)
	if err != nil {
		t.logger.Error("bulk presence lookup failed", "error", err)
		return nil, errInternal
	}
	out := make(map[string]PresenceView, len(unique))
	for _, id := range unique {
		if p, ok := stored[id]; ok {
			v := viewOf(p)
			v.UserID = ""
			out[id] = v
			continue
		}
		out[id] = PresenceView{Status: store.StatusOffline, LastSeenAt: presenceEpoch}
	}
	return out, nil
}

// Reconcile marks every stored non-OFFLINE presence whose user has no live
// connection as OFFLINE. It returns the number of users changed.
func (t *PresenceTracker) Reconcile(ctx context.Context) (int, error) {
	active, err := t.store.ListActivePresences(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, p := range active {
		if t.registry.Online(p.UserID) {
			continue
		}
		unlock := t.lock(p.UserID)
		if !t.registry.Online(p.UserID) {
			t.remember(p)
			t.setOffline(ctx, p.UserID)
			changed++
		}
		unlock()
	}
	return changed, nil
}

// current returns the last known record, loading it from the store when the
// tracker has not seen the user yet.
func (t *PresenceTracker) current(ctx context.Context, userID string) (store.UserPresence, error) {
	t.mu.Lock()
	p, ok := t.known[userID]
	t.mu.Unlock()
	if ok {
		return p, nil
	}
	p = store.UserPresence{UserID: userID, Status: store.StatusOffline}
	stored, err := t.store.GetPresences(ctx, []string{userID})
	if err != nil {
		return p, err
	}
	if s, ok := stored[userID]; ok {
		p = s
	}
	return p, nil
}

func (t *PresenceTracker) save(ctx context.Context, p store.UserPresence) error {
	if err := t.store.UpsertPresence(ctx, p); err != nil {
		return err
	}
	t.remember(p)
	return nil
}

func (t *PresenceTracker) remember(p store.UserPresence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Status == store.StatusOffline && !t.registry.Online(p.UserID) {
		// Drop offline users so the cache tracks live users only; the next
		// connect reloads from the store.
		delete(t.known, p.UserID)
		return
	}
	t.known[p.UserID] = p
}

func (t *PresenceTracker) broadcast(p store.UserPresence) {
	t.fanout.ToAll(EventPresenceChanged, viewOf(p))
}
