package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type membershipKey struct {
	channelID string
	userID    string
}

type reactionKey struct {
	messageID string
	userID    string
	emoji     string
}

// Memory is an in-process Store. It backs tests and single-node development
// runs where durability is not needed.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]User
	channels      map[string]Channel
	memberships   map[membershipKey]ChannelMembership
	presences     map[string]UserPresence
	messages      map[string]*Message
	messageOrder  []string
	reactions     map[reactionKey]Reaction
	rules         map[string]AutoModRule
	notifications []Notification
	subscriptions map[string]PushSubscription
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]User),
		channels:      make(map[string]Channel),
		memberships:   make(map[membershipKey]ChannelMembership),
		presences:     make(map[string]UserPresence),
		messages:      make(map[string]*Message),
		reactions:     make(map[reactionKey]Reaction),
		rules:         make(map[string]AutoModRule),
		subscriptions: make(map[string]PushSubscription),
	}
}

func (s *Memory) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *Memory) GetChannel(_ context.Context, id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *Memory) GetMembership(_ context.Context, channelID, userID string) (*ChannelMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey{channelID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *Memory) ListMemberships(_ context.Context, userID string) ([]ChannelMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelMembership
	for key, m := range s.memberships {
		if key.userID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *Memory) UpdateLastRead(_ context.Context, channelID, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{channelID, userID}
	m, ok := s.memberships[key]
	if !ok {
		return ErrNotFound
	}
	m.LastReadMessageID = messageID
	s.memberships[key] = m
	return nil
}

func (s *Memory) UpsertPresence(_ context.Context, p UserPresence) error {
	if p.UserID == "" {
		return errors.New("presence user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CustomStatus != nil {
		cs := *p.CustomStatus
		p.CustomStatus = &cs
	}
	s.presences[p.UserID] = p
	return nil
}

func (s *Memory) GetPresences(_ context.Context, userIDs []string) (map[string]UserPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]UserPresence, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.presences[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Memory) ListActivePresences(_ context.Context) ([]UserPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserPresence
	for _, p := range s.presences {
		if p.Status != StatusOffline {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Memory) LastMessageAt(_ context.Context, channelID, senderID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	found := false
	for _, m := range s.messages {
		if m.ChannelID != channelID || m.SenderID != senderID {
			continue
		}
		if !found || m.CreatedAt.After(last) {
			last = m.CreatedAt
			found = true
		}
	}
	return last, found, nil
}

func (s *Memory) CreateMessage(_ context.Context, m *Message) error {
	if m == nil || m.ID == "" {
		return errors.New("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return ErrConflict
	}
	stored := *m
	stored.Sender = nil
	stored.Reactions = nil
	s.messages[m.ID] = &stored
	s.messageOrder = append(s.messageOrder, m.ID)
	return nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m := *stored
	if u, ok := s.users[m.SenderID]; ok {
		m.Sender = &u
	} else {
		m.Sender = &User{ID: m.SenderID}
	}
	m.Reactions = s.reactionsLocked(id)
	for _, other := range s.messages {
		if other.ThreadParentID == id {
			m.ReplyCount++
		}
	}
	return &m, nil
}

func (s *Memory) UpdateMessage(_ context.Context, m *Message) error {
	if m == nil {
		return errors.New("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[m.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Content = m.Content
	stored.EditedAt = m.EditedAt
	stored.IsDeleted = m.IsDeleted
	stored.DeletedByID = m.DeletedByID
	return nil
}

func (s *Memory) ThreadParticipants(_ context.Context, parentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	if parent, ok := s.messages[parentID]; ok {
		seen[parent.SenderID] = true
		out = append(out, parent.SenderID)
	}
	for _, id := range s.messageOrder {
		m := s.messages[id]
		if m.ThreadParentID != parentID || seen[m.SenderID] {
			continue
		}
		seen[m.SenderID] = true
		out = append(out, m.SenderID)
	}
	return out, nil
}

func (s *Memory) ToggleReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return false, ErrNotFound
	}
	key := reactionKey{messageID, userID, emoji}
	if _, exists := s.reactions[key]; exists {
		delete(s.reactions, key)
		return false, nil
	}
	s.reactions[key] = Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *Memory) ListReactions(_ context.Context, messageID string) ([]Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reactionsLocked(messageID), nil
}

func (s *Memory) reactionsLocked(messageID string) []Reaction {
	out := []Reaction{}
	for key, r := range s.reactions {
		if key.messageID != messageID {
			continue
		}
		if u, ok := s.users[r.UserID]; ok {
			r.User = &u
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Memory) ListAutoModRules(_ context.Context, channelID string) ([]AutoModRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AutoModRule
	for _, r := range s.rules {
		if !r.IsEnabled {
			continue
		}
		if r.ChannelID == "" || r.ChannelID == channelID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) CreateNotification(_ context.Context, n *Notification) error {
	if n == nil || n.RecipientID == "" {
		return errors.New("notification recipient is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

// Notifications returns every notification created for recipientID.
func (s *Memory) Notifications(recipientID string) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out
}

// MessageCount returns the number of stored messages in a channel.
func (s *Memory) MessageCount(channelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			n++
		}
	}
	return n
}

func (s *Memory) ListPushSubscriptions(_ context.Context, userID string) ([]PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PushSubscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) DeletePushSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[id]; !ok {
		return ErrNotFound
	}
	delete(s.subscriptions, id)
	return nil
}

func (s *Memory) Close() error { return nil }

func (s *Memory) PutUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *Memory) PutChannel(_ context.Context, c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.channels[c.ID] = c
	return nil
}

func (s *Memory) PutMembership(_ context.Context, m ChannelMembership) error {
	if m.Role == "" {
		m.Role = RoleMember
	}
	if m.NotificationPreference == "" {
		m.NotificationPreference = NotifyAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[membershipKey{m.ChannelID, m.UserID}] = m
	return nil
}

func (s *Memory) PutAutoModRule(_ context.Context, r AutoModRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *Memory) PutPushSubscription(_ context.Context, sub PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = sub
	return nil
}
