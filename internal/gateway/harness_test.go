package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/push"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// fakeConn records every frame queued to it.
type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	frames []frame
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(b []byte) bool {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		panic(fmt.Sprintf("bad frame %q: %v", b, err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return true
}

func (c *fakeConn) events(name string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		if f.Event == name {
			out = append(out, f.Data)
		}
	}
	return out
}

func (c *fakeConn) count(name string) int {
	return len(c.events(name))
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPusher struct {
	mu   sync.Mutex
	jobs map[string][]push.Payload
}

func (p *recordingPusher) Enqueue(userID string, payload push.Payload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobs == nil {
		p.jobs = make(map[string][]push.Payload)
	}
	p.jobs[userID] = append(p.jobs[userID], payload)
	return true
}

func (p *recordingPusher) payloads(userID string) []push.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs[userID]
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	clock  *testClock
	pusher *recordingPusher
	gw     *Gateway

	mu  sync.Mutex
	seq int
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store.NewMemory(),
		clock:  &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		pusher: &recordingPusher{},
	}
	cfg := Config{
		Store:         h.store,
		Logger:        observability.Discard(),
		Metrics:       observability.NewMetrics(nil),
		Pusher:        h.pusher,
		TypingTimeout: 50 * time.Millisecond,
		Now:           h.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.gw = New(cfg)
	t.Cleanup(h.gw.Close)
	return h
}

func (h *harness) user(id, name string) {
	require.NoError(h.t, h.store.PutUser(h.ctx, store.User{ID: id, Name: name}))
}

// channel creates a channel owned by owner with the given plain members.
func (h *harness) channel(id, owner string, slowMode int, members ...string) {
	require.NoError(h.t, h.store.PutChannel(h.ctx, store.Channel{
		ID:              id,
		Name:            id,
		OwnerID:         owner,
		SlowModeSeconds: slowMode,
	}))
	h.member(id, owner, store.RoleOwner, store.NotifyAll)
	for _, m := range members {
		h.member(id, m, store.RoleMember, store.NotifyAll)
	}
}

func (h *harness) member(channelID, userID string, role store.Role, pref store.NotificationPreference) {
	require.NoError(h.t, h.store.PutMembership(h.ctx, store.ChannelMembership{
		ChannelID:              channelID,
		UserID:                 userID,
		Role:                   role,
		NotificationPreference: pref,
	}))
}

func (h *harness) rule(channelID string, typ store.AutoModRuleType, config string) {
	require.NoError(h.t, h.store.PutAutoModRule(h.ctx, store.AutoModRule{
		ChannelID: channelID,
		Type:      typ,
		Config:    []byte(config),
		IsEnabled: true,
	}))
}

func (h *harness) connect(userID string) (*fakeConn, *Session) {
	h.mu.Lock()
	h.seq++
	c := &fakeConn{id: fmt.Sprintf("conn-%d", h.seq), userID: userID}
	h.mu.Unlock()

	id := auth.Identity{ID: userID}
	if u, err := h.store.GetUser(h.ctx, userID); err == nil {
		id.Name = u.Name
	}
	sess := &Session{Conn: c, User: id}
	h.gw.Connect(h.ctx, sess)
	return c, sess
}

func (h *harness) disconnect(sess *Session) {
	h.gw.Disconnect(h.ctx, sess)
}

func (h *harness) do(sess *Session, event string, data any) Result {
	h.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)
	return h.gw.Handle(h.ctx, sess, Envelope{Event: event, Data: raw})
}

func (h *harness) mustSend(sess *Session, in SendInput) *store.Message {
	h.t.Helper()
	res := h.do(sess, EventMessageSend, in)
	require.Nil(h.t, res.Err())
	msg, ok := res.Data()["message"].(*store.Message)
	require.True(h.t, ok)
	return msg
}

func (h *harness) presence(userID string) store.UserPresence {
	h.t.Helper()
	got, err := h.store.GetPresences(h.ctx, []string{userID})
	require.NoError(h.t, err)
	p, ok := got[userID]
	require.True(h.t, ok, "no presence stored for %s", userID)
	return p
}

func decodeInto[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
