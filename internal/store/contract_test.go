package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	Store
	Seeder
}

var backends = map[string]func(t *testing.T) backend{
	"memory": func(*testing.T) backend { return NewMemory() },
	"sqlite": func(t *testing.T) backend {
		s, err := OpenSQL(t.Context(), DialectSQLite, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Migrate(t.Context()))
		return s
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Helper()
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

// base has millisecond precision so it survives the SQL round trip.
var base = time.UnixMilli(1_700_000_000_000).UTC()

func TestMissingRecordsReturnErrNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()

		_, err := s.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetChannel(ctx, "nowhere")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMembership(ctx, "nowhere", "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMessage(ctx, "nothing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateLastRead(ctx, "nowhere", "nobody", "m1"), ErrNotFound)
		assert.ErrorIs(t, s.UpdateMessage(ctx, &Message{ID: "nothing"}), ErrNotFound)
		assert.ErrorIs(t, s.DeletePushSubscription(ctx, "nothing"), ErrNotFound)
		_, err = s.ToggleReaction(ctx, "nothing", "u1", "👍")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemberships(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		require.NoError(t, s.PutChannel(ctx, Channel{ID: "c1", Name: "general", OwnerID: "u1", SlowModeSeconds: 30}))
		require.NoError(t, s.PutMembership(ctx, ChannelMembership{ChannelID: "c2", UserID: "u1", Role: RoleAdmin, NotificationPreference: NotifyNone}))
		require.NoError(t, s.PutMembership(ctx, ChannelMembership{ChannelID: "c1", UserID: "u1"}))
		require.NoError(t, s.PutMembership(ctx, ChannelMembership{ChannelID: "c1", UserID: "u2"}))

		ch, err := s.GetChannel(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "general", ch.Name)
		assert.Equal(t, 30, ch.SlowModeSeconds)

		list, err := s.ListMemberships(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "c1", list[0].ChannelID)
		assert.Equal(t, RoleMember, list[0].Role)
		assert.Equal(t, NotifyAll, list[0].NotificationPreference)
		assert.Equal(t, RoleAdmin, list[1].Role)
		assert.Equal(t, NotifyNone, list[1].NotificationPreference)

		require.NoError(t, s.UpdateLastRead(ctx, "c1", "u1", "m42"))
		m, err := s.GetMembership(ctx, "c1", "u1")
		require.NoError(t, err)
		assert.Equal(t, "m42", m.LastReadMessageID)
	})
}

func TestPresenceRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		busy := "in a meeting"
		require.NoError(t, s.UpsertPresence(ctx, UserPresence{UserID: "u1", Status: StatusDND, CustomStatus: &busy, LastSeenAt: base}))
		require.NoError(t, s.UpsertPresence(ctx, UserPresence{UserID: "u2", Status: StatusOffline, LastSeenAt: base}))

		got, err := s.GetPresences(ctx, []string{"u1", "u2", "u3"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, StatusDND, got["u1"].Status)
		require.NotNil(t, got["u1"].CustomStatus)
		assert.Equal(t, busy, *got["u1"].CustomStatus)
		assert.True(t, got["u1"].LastSeenAt.Equal(base))
		assert.Nil(t, got["u2"].CustomStatus)

		active, err := s.ListActivePresences(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "u1", active[0].UserID)

		require.NoError(t, s.UpsertPresence(ctx, UserPresence{UserID: "u1", Status: StatusOnline, LastSeenAt: base.Add(time.Minute)}))
		got, err = s.GetPresences(ctx, []string{"u1"})
		require.NoError(t, err)
		assert.Equal(t, StatusOnline, got["u1"].Status)
		assert.Nil(t, got["u1"].CustomStatus, "custom status is replaced, not merged")

		empty, err := s.GetPresences(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestMessageLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		require.NoError(t, s.PutUser(ctx, User{ID: "alice", Name: "Alice", Image: "a.png"}))

		root := &Message{ID: "m1", ChannelID: "c1", SenderID: "alice", Content: "hello", CreatedAt: base}
		require.NoError(t, s.CreateMessage(ctx, root))
		assert.ErrorIs(t, s.CreateMessage(ctx, &Message{ID: "m1", ChannelID: "c1", SenderID: "bob", Content: "dup", CreatedAt: base}), ErrConflict)

		got, err := s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Content)
		assert.True(t, got.CreatedAt.Equal(base))
		assert.False(t, got.IsDeleted)
		assert.Nil(t, got.EditedAt)
		require.NotNil(t, got.Sender)
		assert.Equal(t, "Alice", got.Sender.Name)
		assert.Empty(t, got.Reactions)
		assert.Zero(t, got.ReplyCount)

		replies := []Message{
			{ID: "m2", SenderID: "bob", CreatedAt: base.Add(time.Second)},
			{ID: "m3", SenderID: "alice", CreatedAt: base.Add(2 * time.Second)},
			{ID: "m4", SenderID: "carol", CreatedAt: base.Add(3 * time.Second)},
			{ID: "m5", SenderID: "bob", CreatedAt: base.Add(4 * time.Second)},
		}
		for _, r := range replies {
			r.ChannelID, r.ThreadParentID, r.Content = "c1", "m1", "reply"
			require.NoError(t, s.CreateMessage(ctx, &r))
		}

		got, err = s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 4, got.ReplyCount)

		participants, err := s.ThreadParticipants(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol"}, participants)

		last, ok, err := s.LastMessageAt(ctx, "c1", "alice")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, last.Equal(base.Add(2*time.Second)))
		_, ok, err = s.LastMessageAt(ctx, "c1", "dave")
		require.NoError(t, err)
		assert.False(t, ok)

		edited := base.Add(time.Hour)
		got.Content = DeletedContent
		got.IsDeleted = true
		got.DeletedByID = "mod"
		got.EditedAt = &edited
		require.NoError(t, s.UpdateMessage(ctx, got))

		got, err = s.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, got.IsDeleted)
		assert.Equal(t, DeletedContent, got.Content)
		assert.Equal(t, "mod", got.DeletedByID)
		require.NotNil(t, got.EditedAt)
		assert.True(t, got.EditedAt.Equal(edited))
	})
}

func TestToggleReaction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		require.NoError(t, s.CreateMessage(ctx, &Message{ID: "m1", ChannelID: "c1", SenderID: "u1", Content: "hi", CreatedAt: base}))

		added, err := s.ToggleReaction(ctx, "m1", "u2", "👍")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.ToggleReaction(ctx, "m1", "u2", "🎉")
		require.NoError(t, err)
		assert.True(t, added)

		reactions, err := s.ListReactions(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, reactions, 2)
		for _, r := range reactions {
			assert.Equal(t, "u2", r.UserID)
			assert.Equal(t, "m1", r.MessageID)
		}

		added, err = s.ToggleReaction(ctx, "m1", "u2", "👍")
		require.NoError(t, err)
		assert.False(t, added)

		reactions, err = s.ListReactions(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, reactions, 1)
		assert.Equal(t, "🎉", reactions[0].Emoji)
	})
}

func TestAutoModRuleScope(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		rules := []AutoModRule{
			{ID: "r1", Type: RuleWordFilter, Config: []byte(`{"words":["spam"]}`), IsEnabled: true},
			{ID: "r2", ChannelID: "c1", Type: RuleCapsFilter, Config: []byte(`{"maxPercent":50}`), IsEnabled: true},
			{ID: "r3", ChannelID: "c2", Type: RuleLinkFilter, IsEnabled: true},
			{ID: "r4", ChannelID: "c1", Type: RuleLinkFilter, IsEnabled: false},
		}
		for _, r := range rules {
			require.NoError(t, s.PutAutoModRule(ctx, r))
		}

		got, err := s.ListAutoModRules(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "r1", got[0].ID)
		assert.Empty(t, got[0].ChannelID)
		assert.JSONEq(t, `{"words":["spam"]}`, string(got[0].Config))
		assert.Equal(t, "r2", got[1].ID)
		assert.Equal(t, RuleCapsFilter, got[1].Type)
	})
}

func TestPushSubscriptions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		subs := []PushSubscription{
			{ID: "s1", UserID: "u1", Endpoint: "https://push.example/1", P256dh: "k1", Auth: "a1"},
			{ID: "s2", UserID: "u1", Endpoint: "https://push.example/2", P256dh: "k2", Auth: "a2"},
			{ID: "s3", UserID: "u2", Endpoint: "https://push.example/3", P256dh: "k3", Auth: "a3"},
		}
		for _, sub := range subs {
			require.NoError(t, s.PutPushSubscription(ctx, sub))
		}

		got, err := s.ListPushSubscriptions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, subs[:2], got)

		require.NoError(t, s.DeletePushSubscription(ctx, "s1"))
		got, err = s.ListPushSubscriptions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, subs[1:2], got)
		assert.ErrorIs(t, s.DeletePushSubscription(ctx, "s1"), ErrNotFound)
	})
}

func TestCreateNotificationRequiresRecipient(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := t.Context()
		assert.Error(t, s.CreateNotification(ctx, &Notification{Title: "orphan"}))
		assert.NoError(t, s.CreateNotification(ctx, &Notification{
			ID:          "n1",
			Type:        NotificationMention,
			RecipientID: "u1",
			ActorID:     "u2",
			Title:       "Bob mentioned you in #general",
			Message:     "hey @Alice",
			CreatedAt:   base,
		}))
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s, err := OpenSQL(t.Context(), DialectSQLite, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Migrate(t.Context()))
	require.NoError(t, s.Migrate(t.Context()))

	var n int
	require.NoError(t, s.db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM "+migrationTable).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestUpSection(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id TEXT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (id TEXT);\n", upSection(content))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}

func TestOpenSQLValidatesArguments(t *testing.T) {
	_, err := OpenSQL(t.Context(), DialectSQLite, " ")
	assert.Error(t, err)
	_, err = OpenSQL(t.Context(), Dialect("oracle"), "dsn")
	assert.Error(t, err)
}
