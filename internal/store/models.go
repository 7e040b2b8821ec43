// Package store defines the durable records the gateway reads and writes and
// the data access contract it consumes, with in-memory and SQL implementations.
package store

import "time"

// PresenceStatus is a user's availability as shown to other users.
type PresenceStatus string

// Presence statuses.
const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusAway    PresenceStatus = "AWAY"
	StatusDND     PresenceStatus = "DND"
	StatusOffline PresenceStatus = "OFFLINE"
)

// Valid reports whether s is one of the fixed presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusDND, StatusOffline:
		return true
	}
	return false
}

// Role is a member's role within a channel.
type Role string

// Channel roles, highest first.
const (
	RoleOwner     Role = "OWNER"
	RoleAdmin     Role = "ADMIN"
	RoleModerator Role = "MODERATOR"
	RoleMember    Role = "MEMBER"
)

// CanModerate reports whether the role may act on other members' messages.
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleModerator
}

// NotificationPreference controls which notifications a member receives for a channel.
type NotificationPreference string

// Notification preferences.
const (
	NotifyAll      NotificationPreference = "ALL"
	NotifyMentions NotificationPreference = "MENTIONS"
	NotifyNone     NotificationPreference = "NONE"
)

// NotificationType classifies a notification.
type NotificationType string

// Notification types created by the gateway.
const (
	NotificationMention        NotificationType = "MENTION"
	NotificationReply          NotificationType = "REPLY"
	NotificationChannelMessage NotificationType = "CHANNEL_MESSAGE"
)

// AutoModRuleType selects how an auto-mod rule's config is interpreted.
type AutoModRuleType string

// Auto-mod rule types.
const (
	RuleWordFilter AutoModRuleType = "WORD_FILTER"
	RuleLinkFilter AutoModRuleType = "LINK_FILTER"
	RuleCapsFilter AutoModRuleType = "CAPS_FILTER"
)

// DeletedContent replaces the content of a soft-deleted message.
const DeletedContent = "[This message has been deleted]"

// User is the public profile projected onto messages and typing events.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"-"`
	Image string `json:"image,omitempty"`
}

// Channel holds the channel settings the gateway enforces.
type Channel struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	OwnerID         string    `json:"ownerId"`
	SlowModeSeconds int       `json:"slowModeSeconds"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ChannelMembership links a user to a channel.
type ChannelMembership struct {
	ChannelID              string                 `json:"channelId"`
	UserID                 string                 `json:"userId"`
	Role                   Role                   `json:"role"`
	LastReadMessageID      string                 `json:"lastReadMessageId,omitempty"`
	NotificationPreference NotificationPreference `json:"notificationPreference"`
}

// UserPresence is the durable presence record for a user.
type UserPresence struct {
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
	CustomStatus *string        `json:"customStatus"`
	LastSeenAt   time.Time      `json:"lastSeenAt"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	User      *User     `json:"user,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a chat message in a channel, optionally a reply in a thread.
type Message struct {
	ID             string     `json:"id"`
	ChannelID      string     `json:"channelId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	ThreadParentID string     `json:"threadParentId,omitempty"`
	GifURL         string     `json:"gifUrl,omitempty"`
	ImageURL       string     `json:"imageUrl,omitempty"`
	CodeSnippet    string     `json:"codeSnippet,omitempty"`
	CodeLanguage   string     `json:"codeLanguage,omitempty"`
	IsDeleted      bool       `json:"isDeleted"`
	DeletedByID    string     `json:"deletedById,omitempty"`
	EditedAt       *time.Time `json:"editedAt"`
	CreatedAt      time.Time  `json:"createdAt"`

	// Projections filled in on read.
	Sender     *User      `json:"sender,omitempty"`
	Reactions  []Reaction `json:"reactions"`
	ReplyCount int        `json:"replyCount"`
}

// AutoModRule is a content filter; an empty ChannelID makes it global.
type AutoModRule struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channelId,omitempty"`
	Type      AutoModRuleType `json:"type"`
	Config    []byte          `json:"config"`
	IsEnabled bool            `json:"isEnabled"`
}

// Notification is an in-app notification for a single recipient.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	RecipientID string           `json:"recipientId"`
	ActorID     string           `json:"actorId"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	ChannelID   string           `json:"channelId,omitempty"`
	MessageID   string           `json:"messageId,omitempty"`
	Link        string           `json:"link,omitempty"`
	IsRead      bool             `json:"isRead"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	ID       string
	UserID   string
	Endpoint string
	P256dh   string
	Auth     string
}
