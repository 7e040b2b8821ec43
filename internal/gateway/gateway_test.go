package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-gateway/internal/store"
)

func TestHandleUnknownEvent(t *testing.T) {
	h := newHarness(t)
	_, sess := h.connect("u1")

	res := h.do(sess, "message:shout", map[string]string{})
	require.NotNil(t, res.Err())
	assert.Equal(t, CodeValidation, res.Err().Code)
	assert.Equal(t, "Unknown event", res.Err().Message)
}

func TestHandleMalformedPayload(t *testing.T) {
	h := newHarness(t)
	_, sess := h.connect("u1")

	res := h.gw.Handle(h.ctx, sess, Envelope{Event: EventMessageSend, Data: json.RawMessage(`"not an object"`)})
	require.NotNil(t, res.Err())
	assert.Equal(t, CodeValidation, res.Err().Code)

	res = h.gw.Handle(h.ctx, sess, Envelope{Event: EventTypingStart, Data: json.RawMessage(`[1,2]`)})
	_, acked := res.Ack()
	assert.False(t, acked)
}

func TestEventsWithoutAck(t *testing.T) {
	h := newHarness(t)
	h.channel("c1", "u1", 0)
	_, sess := h.connect("u1")

	for _, event := range []string{EventChannelLeave, EventPresenceHeartbeat, EventTypingStart, EventTypingStop} {
		res := h.do(sess, event, map[string]string{"channelId": "c1"})
		_, acked := res.Ack()
		assert.False(t, acked, event)
	}
}

func TestConnectJoinsMemberRooms(t *testing.T) {
	h := newHarness(t)
	h.channel("c1", "u1", 0)
	h.channel("c2", "other", 0, "u1")
	h.channel("c3", "other", 0)
	conn, sess := h.connect("u1")

	assert.ElementsMatch(t, []string{"c1", "c2"}, h.gw.Rooms().Rooms(conn.ID()))

	h.disconnect(sess)
	assert.Empty(t, h.gw.Rooms().Rooms(conn.ID()))
	assert.Empty(t, h.gw.Rooms().Members("c1"))
}

func TestChannelJoinRechecksMembership(t *testing.T) {
	h := newHarness(t)
	h.channel("c1", "owner", 0)
	conn, sess := h.connect("u1")

	res := h.do(sess, EventChannelJoin, map[string]string{"channelId": "c1"})
	require.NotNil(t, res.Err())
	assert.Equal(t, CodeForbidden, res.Err().Code)
	assert.False(t, h.gw.Rooms().InRoom(conn.ID(), "c1"))

	h.member("c1", "u1", store.RoleMember, store.NotifyAll)
	res = h.do(sess, EventChannelJoin, map[string]string{"channelId": "c1"})
	require.Nil(t, res.Err())
	assert.True(t, h.gw.Rooms().InRoom(conn.ID(), "c1"))

	h.do(sess, EventChannelLeave, map[string]string{"channelId": "c1"})
	assert.False(t, h.gw.Rooms().InRoom(conn.ID(), "c1"))

	res = h.do(sess, EventChannelJoin, map[string]string{})
	require.NotNil(t, res.Err())
	assert.Equal(t, CodeValidation, res.Err().Code)

	res = h.do(sess, EventChannelJoin, map[string]string{"channelId": "nowhere"})
	require.NotNil(t, res.Err())
	assert.Equal(t, CodeNotFound, res.Err().Code)
	assert.Equal(t, "Channel not found", res.Err().Message)
}

func TestChannelMarkRead(t *testing.T) {
	h := newHarness(t)
	h.channel("c1", "u1", 0)
	h.channel("c2", "u1", 0)
	_, sess := h.connect("u1")
	_, outsider := h.connect("u2")
	msg := h.mustSend(sess, SendInput{ChannelID: "c1", Content: "read me"})
	elsewhere := h.mustSend(sess, SendInput{ChannelID: "c2", Content: "other room"})

	res := h.do(sess, EventChannelMarkRead, map[string]string{"channelId": "c1", "messageId": msg.ID})
	require.Nil(t, res.Err())
	m, err := h.store.GetMembership(h.ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, m.LastReadMessageID)

	res = h.do(outsider, EventChannelMarkRead, map[string]string{"channelId": "c1", "messageId": msg.ID})
	require.NotNil(t, res.Err())
	assert.Equal(t, CodeForbidden, res.Err().Code)

	tests := []struct {
		name      string
		channelID string
		messageID string
		code      Code
	}{
		{"missing message", "c1", "m9", CodeNotFound},
		{"message from another channel", "c1", elsewhere.ID, CodeNotFound},
		{"missing channel", "nowhere", msg.ID, CodeNotFound},
		{"missing ids", "", "", CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.do(sess, EventChannelMarkRead, map[string]string{"channelId": tt.channelID, "messageId": tt.messageID})
			require.NotNil(t, res.Err())
			assert.Equal(t, tt.code, res.Err().Code)
		})
	}

	m, err = h.store.GetMembership(h.ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, m.LastReadMessageID, "rejected marks leave the stored position alone")
}

type panickyStore struct {
	*store.Memory
}

func (panickyStore) GetChannel(context.Context, string) (*store.Channel, error) {
	panic("boom")
}

type failingStore struct {
	*store.Memory
}

func (failingStore) ListAutoModRules(context.Context, string) ([]store.AutoModRule, error) {
	return nil, assert.AnError
}

func TestHandlerFailuresStayOperationLocal(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		mem := store.NewMemory()
		h := newHarness(t, func(c *Config) { c.Store = panickyStore{mem} })
		h.store = mem
		_, sess := h.connect("u1")

		res := h.do(sess, EventMessageSend, SendInput{ChannelID: "c1", Content: "hi"})
		require.NotNil(t, res.Err())
		assert.Equal(t, CodeInternal, res.Err().Code)
	})
	t.Run("store error", func(t *testing.T) {
		mem := store.NewMemory()
		h := newHarness(t, func(c *Config) { c.Store = failingStore{mem} })
		h.store = mem
		h.channel("c1", "u1", 0)
		_, sess := h.connect("u1")

		res := h.do(sess, EventMessageSend, SendInput{ChannelID: "c1", Content: "hi"})
		require.NotNil(t, res.Err())
		assert.Equal(t, CodeInternal, res.Err().Code)
		assert.Equal(t, "Internal server error", res.Err().Message)
		assert.Zero(t, mem.MessageCount("c1"))
	})
}

func TestStartSweeper(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.gw.StartSweeper(h.ctx, "every now and then"))
	assert.NoError(t, h.gw.StartSweeper(h.ctx, ""))
	require.NoError(t, h.gw.StartSweeper(h.ctx, "@every 1h"))
	h.gw.Close()
}
