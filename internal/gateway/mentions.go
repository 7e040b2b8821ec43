package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-gateway/internal/push"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

// mentionPattern matches the inline mention syntax @[Display Name](userId).
var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\(([^)\s]+)\)`)

const previewLen = 100

// ExtractMentions returns the distinct user ids mentioned in content, in
// order of first appearance.
func ExtractMentions(content string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		if id := m[2]; !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// plainText renders mentions as @Name and truncates for previews.
func plainText(content string) string {
	text := mentionPattern.ReplaceAllString(content, "@$1")
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLen]) + "…"
}

// NotificationStore persists notifications and reads recipient preferences.
type NotificationStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetMembership(ctx context.Context, channelID, userID string) (*store.ChannelMembership, error)
	CreateNotification(ctx context.Context, n *store.Notification) error
}

// Pusher schedules an external push without waiting for delivery.
type Pusher interface {
	Enqueue(userID string, p push.Payload) bool
}

// MentionNotifier creates the notifications a new message triggers and
// delivers them in-app and by push.
type MentionNotifier struct {
	store  NotificationStore
	fanout *Fanout
	pusher Pusher
	logger *slog.Logger
	now    func() time.Time
}

// NewMentionNotifier creates a notifier. pusher may be nil.
func NewMentionNotifier(s NotificationStore, fanout *Fanout, pusher Pusher, logger *slog.Logger, now func() time.Time) *MentionNotifier {
	if now == nil {
		now = time.Now
	}
	return &MentionNotifier{store: s, fanout: fanout, pusher: pusher, logger: logger, now: now}
}

// MessageCreated notifies mentioned users, the thread parent's author, and
// the channel owner. Each recipient is notified at most once and the sender
// never. It returns the recipients notified.
func (n *MentionNotifier) MessageCreated(ctx context.Context, msg *store.Message, channel *store.Channel, parent *store.Message, senderName string) []string {
	handled := map[string]bool{msg.SenderID: true}
	var notified []string
	preview := plainText(msg.Content)
	link := fmt.Sprintf("/channels/%s?message=%s", channel.ID, msg.ID)

	consider := func(userID string, typ store.NotificationType, memberOnly bool, allow func(store.NotificationPreference) bool, title string) {
		if userID == "" || handled[userID] {
			return
		}
		handled[userID] = true
		pref, ok := n.preference(ctx, channel.ID, userID, memberOnly)
		if !ok || !allow(pref) {
			return
		}
		note := &store.Notification{
			ID:          uuid.NewString(),
			Type:        typ,
			RecipientID: userID,
			ActorID:     msg.SenderID,
			Title:       title,
			Message:     preview,
			ChannelID:   channel.ID,
			MessageID:   msg.ID,
			Link:        link,
			CreatedAt:   n.now().UTC(),
		}
		if n.deliver(ctx, note) {
			notified = append(notified, userID)
		}
	}

	unlessNone := func(p store.NotificationPreference) bool { return p != store.NotifyNone }
	onlyAll := func(p store.NotificationPreference) bool { return p == store.NotifyAll }

	for _, id := range ExtractMentions(msg.Content) {
		consider(id, store.NotificationMention, false, unlessNone,
			fmt.Sprintf("%s mentioned you in #%s", senderName, channel.Name))
	}
	if parent != nil {
		consider(parent.SenderID, store.NotificationReply, false, unlessNone,
			fmt.Sprintf("%s replied to your message in #%s", senderName, channel.Name))
	}
	consider(channel.OwnerID, store.NotificationChannelMessage, true, onlyAll,
		fmt.Sprintf("New message in #%s", channel.Name))
	return notified
}

// preference returns the recipient's notification preference for the
// channel. A user with no membership row gets NotifyAll unless memberOnly is
// set; ok is false for unknown users and lookup failures.
func (n *MentionNotifier) preference(ctx context.Context, channelID, userID string, memberOnly bool) (store.NotificationPreference, bool) {
	m, err := n.store.GetMembership(ctx, channelID, userID)
	switch {
	case err == nil:
		if m.NotificationPreference == "" {
			return store.NotifyAll, true
		}
		return m.NotificationPreference, true
	case !errors.Is(err, store.ErrNotFound):
		n.logger.Warn("notification preference lookup failed", "user_id", userID, "channel_id", channelID, "error", err)
		return "", false
	case memberOnly:
		return "", false
	}

	if _, err := n.store.GetUser(ctx, userID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			n.logger.Warn("notification recipient lookup failed", "user_id", userID, "error", err)
		}
		return "", false
	}
	return store.NotifyAll, true
}

// deliver persists the notification, pushes it to live connections, and
// queues the external push.
func (n *MentionNotifier) deliver(ctx context.Context, note *store.Notification) bool {
	if err := n.store.CreateNotification(ctx, note); err != nil {
		n.logger.Error("create notification failed", "recipient_id", note.RecipientID, "type", note.Type, "error", err)
		return false
	}
	n.fanout.ToUser(note.RecipientID, EventNotificationNew, note)
	if n.pusher != nil {
		n.pusher.Enqueue(note.RecipientID, push.Payload{
			Title: note.Title,
			Body:  note.Message,
			URL:   note.Link,
			Tag:   note.MessageID,
		})
	}
	return true
}
