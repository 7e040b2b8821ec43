package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("already exists")
)

// Store is the durable data access layer consumed by the gateway.
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetChannel(ctx context.Context, id string) (*Channel, error)

	GetMembership(ctx context.Context, channelID, userID string) (*ChannelMembership, error)
	ListMemberships(ctx context.Context, userID string) ([]ChannelMembership, error)
	UpdateLastRead(ctx context.Context, channelID, userID, messageID string) error

	UpsertPresence(ctx context.Context, p UserPresence) error
	GetPresences(ctx context.Context, userIDs []string) (map[string]UserPresence, error)
	ListActivePresences(ctx context.Context) ([]UserPresence, error)

	// LastMessageAt returns the creation time of the sender's most recent
	// message in the channel; ok is false when there is none.
	LastMessageAt(ctx context.Context, channelID, senderID string) (at time.Time, ok bool, err error)
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, m *Message) error
	ThreadParticipants(ctx context.Context, parentID string) ([]string, error)

	// ToggleReaction removes the (message, user, emoji) reaction if present
	// and creates it otherwise. added reports which happened.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (added bool, err error)
	ListReactions(ctx context.Context, messageID string) ([]Reaction, error)

	ListAutoModRules(ctx context.Context, channelID string) ([]AutoModRule, error)

	CreateNotification(ctx context.Context, n *Notification) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id string) error

	Close() error
}

// Seeder writes the records owned by the CRUD surface. The gateway never
// calls it; tests and the CLI use it to prepare state.
type Seeder interface {
	PutUser(ctx context.Context, u User) error
	PutChannel(ctx context.Context, c Channel) error
	PutMembership(ctx context.Context, m ChannelMembership) error
	PutAutoModRule(ctx context.Context, r AutoModRule) error
	PutPushSubscription(ctx context.Context, s PushSubscription) error
}
