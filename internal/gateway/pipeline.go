package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/forPelevin/gomoji"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

const maxContentLen = 4000

const sendLockStripes = 64

// MessageStore is the slice of the store the pipeline reads and writes.
type MessageStore interface {
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	GetMembership(ctx context.Context, channelID, userID string) (*store.ChannelMembership, error)
	LastMessageAt(ctx context.Context, channelID, senderID string) (time.Time, bool, error)
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessage(ctx context.Context, m *store.Message) error
	ThreadParticipants(ctx context.Context, parentID string) ([]string, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageID string) ([]store.Reaction, error)
	ListAutoModRules(ctx context.Context, channelID string) ([]store.AutoModRule, error)
}

// SendInput is the message:send payload.
type SendInput struct {
	ChannelID      string `json:"channelId"`
	Content        string `json:"content"`
	ThreadParentID string `json:"threadParentId,omitempty"`
	GifURL         string `json:"gifUrl,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	CodeSnippet    string `json:"codeSnippet,omitempty"`
	CodeLanguage   string `json:"codeLanguage,omitempty"`
}

// ThreadReply is the thread:new payload.
type ThreadReply struct {
	ParentID  string         `json:"parentId"`
	ChannelID string         `json:"channelId"`
	Message   *store.Message `json:"message"`
}

// MessageRemoved is the message:deleted payload.
type MessageRemoved struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// ReactionSnapshot is the reaction:updated payload. Reactions is always the
// full current list.
type ReactionSnapshot struct {
	MessageID string           `json:"messageId"`
	ChannelID string           `json:"channelId"`
	Reactions []store.Reaction `json:"reactions"`
}

// MessagePipeline validates, moderates, persists, and fans out chat
// messages and their edits, deletions, and reactions.
type MessagePipeline struct {
	store    MessageStore
	fanout   *Fanout
	notifier *MentionNotifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// sendLocks serialize the slow-mode check and insert per sender and channel.
	sendLocks [sendLockStripes]sync.Mutex
}

// NewMessagePipeline creates a pipeline.
func NewMessagePipeline(s MessageStore, fanout *Fanout, notifier *MentionNotifier, logger *slog.Logger, metrics *observability.Metrics, now func() time.Time) *MessagePipeline {
	if now == nil {
		now = time.Now
	}
	return &MessagePipeline{
		store:    s,
		fanout:   fanout,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      now,
	}
}

// Send runs a new message through validation, membership, slow mode and
// auto-mod, then persists and broadcasts it. The origin connection gets the
// message in its ack instead of a message:new copy.
func (p *MessagePipeline) Send(ctx context.Context, sess *Session, in SendInput) (*store.Message, *Error) {
	msg, err := p.send(ctx, sess, in)
	p.countSend(err)
	return msg, err
}

func (p *MessagePipeline) send(ctx context.Context, sess *Session, in SendInput) (*store.Message, *Error) {
	userID := sess.User.ID
	if in.ChannelID == "" {
		return nil, newError(CodeValidation, "Channel ID is required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, newError(CodeValidation, "Message content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, newError(CodeValidation, fmt.Sprintf("Message content exceeds %d characters", maxContentLen))
	}

	channel, err := p.store.GetChannel(ctx, in.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "Channel not found")
	}
	if err != nil {
		return nil, p.internal("load channel", err, "channel_id", in.ChannelID)
	}
	if _, e := requireMembership(ctx, p.store, p.logger, channel.ID, userID); e != nil {
		return nil, e
	}
	if channel.SlowModeSeconds > 0 {
		defer p.lockSender(userID, channel.ID)()
	}
	if e := p.checkSlowMode(ctx, channel, userID); e != nil {
		return nil, e
	}
	if e := p.moderate(ctx, channel.ID, content); e != nil {
		return nil, e
	}

	var parent *store.Message
	if in.ThreadParentID != "" {
		var e *Error
		if parent, e = p.threadRoot(ctx, channel.ID, in.ThreadParentID); e != nil {
			return nil, e
		}
	}

	msg := &store.Message{
		ID:           uuid.NewString(),
		ChannelID:    channel.ID,
		SenderID:     userID,
		Content:      content,
		GifURL:       in.GifURL,
		ImageURL:     in.ImageURL,
		CodeSnippet:  in.CodeSnippet,
		CodeLanguage: in.CodeLanguage,
		CreatedAt:    p.now().UTC(),
	}
	if parent != nil {
		msg.ThreadParentID = parent.ID
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, p.internal("create message", err, "channel_id", channel.ID)
	}
	saved, err := p.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, p.internal("reload message", err, "message_id", msg.ID)
	}

	p.fanout.ToRoom(channel.ID, EventMessageNew, saved, sess.Conn.ID())
	if parent != nil {
		p.notifyThread(ctx, parent, saved)
	}
	if p.notifier != nil {
		p.notifier.MessageCreated(ctx, saved, channel, parent, sess.DisplayName())
	}
	return saved, nil
}

// checkSlowMode rejects the send while the sender's previous message in the
// channel is younger than the slow-mode interval.
func (p *MessagePipeline) checkSlowMode(ctx context.Context, channel *store.Channel, userID string) *Error {
	if channel.SlowModeSeconds <= 0 {
		return nil
	}
	last, ok, err := p.store.LastMessageAt(ctx, channel.ID, userID)
	if err != nil {
		return p.internal("load last message time", err, "channel_id", channel.ID)
	}
	if !ok {
		return nil
	}
	interval := time.Duration(channel.SlowModeSeconds) * time.Second
	elapsed := p.now().Sub(last)
	if elapsed >= interval {
		return nil
	}
	wait := int(math.Ceil((interval - elapsed).Seconds()))
	if wait < 1 {
		wait = 1
	}
	e := newError(CodeRateLimited, fmt.Sprintf("Slow mode is enabled. Please wait %d seconds.", wait))
	e.RetryAfter = wait
	return e
}

func (p *MessagePipeline) lockSender(userID, channelID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(channelID))
	mu := &p.sendLocks[h.Sum32()%sendLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (p *MessagePipeline) moderate(ctx context.Context, channelID, content string) *Error {
	rules, err := p.store.ListAutoModRules(ctx, channelID)
	if err != nil {
		return p.internal("load auto-mod rules", err, "channel_id", channelID)
	}
	if rule := violatedRule(rules, content); rule != nil {
		p.logger.Info("message blocked by auto-mod", "channel_id", channelID, "rule_id", rule.ID, "rule_type", rule.Type)
		return newError(CodeBlocked, "Your message was blocked by auto-moderation")
	}
	return nil
}

// threadRoot resolves the message a reply attaches to. Replies to replies
// attach to the root of the thread.
func (p *MessagePipeline) threadRoot(ctx context.Context, channelID, parentID string) (*store.Message, *Error) {
	notFound := newError(CodeNotFound, "Thread parent not found")
	for range 2 {
		parent, err := p.store.GetMessage(ctx, parentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound
		}
		if err != nil {
			return nil, p.internal("load thread parent", err, "message_id", parentID)
		}
		if parent.ChannelID != channelID || parent.IsDeleted {
			return nil, notFound
		}
		if parent.ThreadParentID == "" {
			return parent, nil
		}
		parentID = parent.ThreadParentID
	}
	return nil, notFound
}

// notifyThread sends thread:new to every earlier participant of the thread
// except the sender.
func (p *MessagePipeline) notifyThread(ctx context.Context, parent, reply *store.Message) {
	participants, err := p.store.ThreadParticipants(ctx, parent.ID)
	if err != nil {
		p.logger.Warn("thread participants lookup failed", "message_id", parent.ID, "error", err)
		return
	}
	payload := ThreadReply{ParentID: parent.ID, ChannelID: reply.ChannelID, Message: reply}
	for _, userID := range participants {
		if userID == reply.SenderID {
			continue
		}
		p.fanout.ToUser(userID, EventThreadNew, payload)
	}
}

// Edit replaces the content of the caller's own message.
func (p *MessagePipeline) Edit(ctx context.Context, sess *Session, messageID, content string) (*store.Message, *Error) {
	content = strings.TrimSpace(content)
	if messageID == "" {
		return nil, newError(CodeValidation, "Message ID is required")
	}
	if content == "" {
		return nil, newError(CodeValidation, "Message content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, newError(CodeValidation, fmt.Sprintf("Message content exceeds %d characters", maxContentLen))
	}

	msg, e := p.loadMessage(ctx, messageID)
	if e != nil {
		return nil, e
	}
	if msg.SenderID != sess.User.ID {
		return nil, newError(CodeForbidden, "You can only edit your own messages")
	}
	if msg.IsDeleted {
		return nil, newError(CodeValidation, "Deleted messages cannot be edited")
	}
	if _, e := requireMembership(ctx, p.store, p.logger, msg.ChannelID, sess.User.ID); e != nil {
		return nil, e
	}
	if e := p.moderate(ctx, msg.ChannelID, content); e != nil {
		return nil, e
	}

	edited := p.now().UTC()
	msg.Content = content
	msg.EditedAt = &edited
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		return nil, p.internal("update message", err, "message_id", msg.ID)
	}
	saved, err := p.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, p.internal("reload message", err, "message_id", msg.ID)
	}
	p.fanout.ToRoom(saved.ChannelID, EventMessageUpdated, saved, sess.Conn.ID())
	return saved, nil
}

// Delete soft-deletes a message. The sender and channel moderators may
// delete; the content is replaced by a tombstone.
func (p *MessagePipeline) Delete(ctx context.Context, sess *Session, messageID string) *Error {
	if messageID == "" {
		return newError(CodeValidation, "Message ID is required")
	}
	msg, e := p.loadMessage(ctx, messageID)
	if e != nil {
		return e
	}
	if msg.SenderID != sess.User.ID {
		m, e := requireMembership(ctx, p.store, p.logger, msg.ChannelID, sess.User.ID)
		if e != nil {
			return e
		}
		if !m.Role.CanModerate() {
			return newError(CodeForbidden, "You do not have permission to delete this message")
		}
	}
	if msg.IsDeleted {
		return nil
	}

	msg.IsDeleted = true
	msg.DeletedByID = sess.User.ID
	msg.Content = store.DeletedContent
	if err := p.store.UpdateMessage(ctx, msg); err != nil {
		return p.internal("delete message", err, "message_id", msg.ID)
	}
	p.fanout.ToRoom(msg.ChannelID, EventMessageDeleted, MessageRemoved{MessageID: msg.ID, ChannelID: msg.ChannelID}, sess.Conn.ID())
	return nil
}

// React toggles the caller's emoji on a message and broadcasts the full
// reaction list to the whole room. added reports whether the reaction now
// exists.
func (p *MessagePipeline) React(ctx context.Context, sess *Session, messageID, emoji string) (bool, *Error) {
	if messageID == "" {
		return false, newError(CodeValidation, "Message ID is required")
	}
	if !validReaction(emoji) {
		return false, newError(CodeValidation, "Reaction must be a single emoji")
	}
	msg, e := p.loadMessage(ctx, messageID)
	if e != nil {
		return false, e
	}
	if msg.IsDeleted {
		return false, newError(CodeNotFound, "Message not found")
	}
	if _, e := requireMembership(ctx, p.store, p.logger, msg.ChannelID, sess.User.ID); e != nil {
		return false, e
	}

	added, err := p.store.ToggleReaction(ctx, msg.ID, sess.User.ID, emoji)
	if errors.Is(err, store.ErrNotFound) {
		return false, newError(CodeNotFound, "Message not found")
	}
	if err != nil {
		return false, p.internal("toggle reaction", err, "message_id", msg.ID)
	}
	reactions, err := p.store.ListReactions(ctx, msg.ID)
	if err != nil {
		return false, p.internal("list reactions", err, "message_id", msg.ID)
	}
	p.fanout.ToRoom(msg.ChannelID, EventReactionUpdated, ReactionSnapshot{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		Reactions: reactions,
	}, "")
	return added, nil
}

// validReaction reports whether s is exactly one emoji and nothing else.
func validReaction(s string) bool {
	found := gomoji.CollectAll(s)
	return len(found) == 1 && found[0].Character == s
}

func (p *MessagePipeline) loadMessage(ctx context.Context, id string) (*store.Message, *Error) {
	msg, err := p.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "Message not found")
	}
	if err != nil {
		return nil, p.internal("load message", err, "message_id", id)
	}
	return msg, nil
}

func (p *MessagePipeline) internal(op string, err error, attrs ...any) *Error {
	p.logger.Error(op+" failed", append(attrs, "error", err)...)
	return errInternal
}

func (p *MessagePipeline) countSend(err *Error) {
	if p.metrics == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		switch err.Code {
		case CodeRateLimited:
			outcome = "slow_mode"
		case CodeBlocked:
			outcome = "blocked"
		case CodeValidation:
			outcome = "invalid"
		case CodeForbidden, CodeNotFound:
			outcome = "forbidden"
		default:
			outcome = "error"
		}
	}
	p.metrics.Messages.WithLabelValues(outcome).Inc()
}
