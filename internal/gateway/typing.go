package gateway

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a typing indicator lasts without a new
// typing:start.
const DefaultTypingTimeout = 5 * time.Second

const typingLockStripes = 64

type typingKey struct {
	userID    string
	channelID string
}

type typingTask struct {
	timer *time.Timer
	gen   uint64
}

// TypingUpdate is the typing:update payload.
type TypingUpdate struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

// TypingCoordinator holds at most one pending expiry per (user, channel).
// A start cancels and replaces the pending expiry; a stop cancels it. An
// expiry that lost a race with a replacement sees a newer generation and
// does nothing.
//
// Start, Stop and expire for one key hold that key's stripe lock through
// their broadcast, so peers see updates in the order the state changed.
type TypingCoordinator struct {
	fanout  *Fanout
	timeout time.Duration

	locks [typingLockStripes]sync.Mutex

	mu    sync.Mutex
	seq   uint64
	tasks map[typingKey]*typingTask
	names map[typingKey]string
}

// NewTypingCoordinator creates a coordinator. A non-positive timeout uses
// DefaultTypingTimeout.
func NewTypingCoordinator(fanout *Fanout, timeout time.Duration) *TypingCoordinator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingCoordinator{
		fanout:  fanout,
		timeout: timeout,
		tasks:   make(map[typingKey]*typingTask),
		names:   make(map[typingKey]string),
	}
}

// Start broadcasts isTyping=true and (re)arms the expiry for the key.
func (t *TypingCoordinator) Start(userID, userName, channelID string) {
	key := typingKey{userID: userID, channelID: channelID}
	defer t.lock(key)()

	t.mu.Lock()
	if task, ok := t.tasks[key]; ok {
		task.timer.Stop()
	}
	t.seq++
	gen := t.seq
	t.tasks[key] = &typingTask{
		gen:   gen,
		timer: time.AfterFunc(t.timeout, func() { t.expire(key, gen) }),
	}
	t.names[key] = userName
	t.mu.Unlock()

	t.emit(key, userName, true)
}

// Stop cancels any pending expiry and broadcasts isTyping=false.
func (t *TypingCoordinator) Stop(userID, userName, channelID string) {
	key := typingKey{userID: userID, channelID: channelID}
	defer t.lock(key)()

	t.mu.Lock()
	if task, ok := t.tasks[key]; ok {
		task.timer.Stop()
		delete(t.tasks, key)
		delete(t.names, key)
	}
	t.mu.Unlock()

	t.emit(key, userName, false)
}

func (t *TypingCoordinator) expire(key typingKey, gen uint64) {
	defer t.lock(key)()

	t.mu.Lock()
	task, ok := t.tasks[key]
	if !ok || task.gen != gen {
		t.mu.Unlock()
		return
	}
	name := t.names[key]
	delete(t.tasks, key)
	delete(t.names, key)
	t.mu.Unlock()

	t.emit(key, name, false)
}

func (t *TypingCoordinator) lock(key typingKey) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.channelID))
	mu := &t.locks[h.Sum32()%typingLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (t *TypingCoordinator) emit(key typingKey, userName string, typing bool) {
	t.fanout.ToRoomExceptUser(key.channelID, EventTypingUpdate, TypingUpdate{
		ChannelID: key.channelID,
		UserID:    key.userID,
		UserName:  userName,
		IsTyping:  typing,
	}, key.userID)
}

// Pending reports whether an expiry is armed for the user in the channel.
func (t *TypingCoordinator) Pending(userID, channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[typingKey{userID: userID, channelID: channelID}]
	return ok
}

// Len returns the number of armed expiries.
func (t *TypingCoordinator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Close cancels every pending expiry without broadcasting.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, task := range t.tasks {
		task.timer.Stop()
		delete(t.tasks, key)
		delete(t.names, key)
	}
}
