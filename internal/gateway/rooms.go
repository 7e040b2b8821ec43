package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Tyrowin/gochat-gateway/internal/store"
)

// MembershipStore reads and updates channel memberships.
type MembershipStore interface {
	GetChannel(ctx context.Context, id string) (*store.Channel, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	GetMembership(ctx context.Context, channelID, userID string) (*store.ChannelMembership, error)
	ListMemberships(ctx context.Context, userID string) ([]store.ChannelMembership, error)
	UpdateLastRead(ctx context.Context, channelID, userID, messageID string) error
}

// RoomRouter tracks which connections are subscribed to which channel rooms.
type RoomRouter struct {
	store  MembershipStore
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Conn
	joins map[string]map[string]struct{}
}

// NewRoomRouter creates a router backed by the membership store.
func NewRoomRouter(memberships MembershipStore, logger *slog.Logger) *RoomRouter {
	return &RoomRouter{
		store:  memberships,
		logger: logger,
		rooms:  make(map[string]map[string]Conn),
		joins:  make(map[string]map[string]struct{}),
	}
}

// JoinMemberships joins c to the room of every channel its user belongs to
// and returns the number of rooms joined.
func (r *RoomRouter) JoinMemberships(ctx context.Context, c Conn) (int, error) {
	memberships, err := r.store.ListMemberships(ctx, c.UserID())
	if err != nil {
		return 0, err
	}
	for _, m := range memberships {
		r.add(c, m.ChannelID)
	}
	return len(memberships), nil
}

// Join re-checks current membership before joining c to the channel room.
func (r *RoomRouter) Join(ctx context.Context, c Conn, channelID string) *Error {
	if channelID == "" {
		return newError(CodeValidation, "Channel ID is required")
	}
	if err := r.requireChannelMember(ctx, channelID, c.UserID()); err != nil {
		return err
	}
	r.add(c, channelID)
	return nil
}

// Leave removes c from the channel room. Leaving a room c is not in is a no-op.
func (r *RoomRouter) Leave(c Conn, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c.ID(), channelID)
}

// LeaveAll removes c from every room.
func (r *RoomRouter) LeaveAll(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channelID := range r.joins[c.ID()] {
		r.removeLocked(c.ID(), channelID)
	}
	delete(r.joins, c.ID())
}

// MarkRead records messageID as the user's last read message in the channel.
func (r *RoomRouter) MarkRead(ctx context.Context, userID, channelID, messageID string) *Error {
	if channelID == "" || messageID == "" {
		return newError(CodeValidation, "Channel ID and message ID are required")
	}
	if e := r.requireChannelMember(ctx, channelID, userID); e != nil {
		return e
	}
	msg, err := r.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.ChannelID != channelID) {
		return newError(CodeNotFound, "Message not found")
	}
	if err != nil {
		r.logger.Error("mark read message lookup failed", "message_id", messageID, "error", err)
		return errInternal
	}

	err = r.store.UpdateLastRead(ctx, channelID, userID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return newError(CodeForbidden, "You are not a member of this channel")
	}
	if err != nil {
		r.logger.Error("mark read failed", "user_id", userID, "channel_id", channelID, "error", err)
		return errInternal
	}
	return nil
}

// requireChannelMember maps a missing channel to NOT_FOUND and a missing
// membership to FORBIDDEN.
func (r *RoomRouter) requireChannelMember(ctx context.Context, channelID, userID string) *Error {
	_, err := r.store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return newError(CodeNotFound, "Channel not found")
	}
	if err != nil {
		r.logger.Error("channel lookup failed", "channel_id", channelID, "error", err)
		return errInternal
	}
	_, e := requireMembership(ctx, r.store, r.logger, channelID, userID)
	return e
}

// Members returns a snapshot of the connections in the channel room.
func (r *RoomRouter) Members(channelID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[channelID]
	out := make([]Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

// InRoom reports whether the connection is in the channel room.
func (r *RoomRouter) InRoom(connID, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joins[connID][channelID]
	return ok
}

// Rooms returns the channel ids the connection is subscribed to.
func (r *RoomRouter) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.joins[connID]))
	for channelID := range r.joins[connID] {
		out = append(out, channelID)
	}
	return out
}

func (r *RoomRouter) add(c Conn, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[channelID]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[channelID] = room
	}
	room[c.ID()] = c
	joined, ok := r.joins[c.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.joins[c.ID()] = joined
	}
	joined[channelID] = struct{}{}
}

func (r *RoomRouter) removeLocked(connID, channelID string) {
	if room, ok := r.rooms[channelID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, channelID)
		}
	}
	if joined, ok := r.joins[connID]; ok {
		delete(joined, channelID)
		if len(joined) == 0 {
			delete(r.joins, connID)
		}
	}
}

type membershipGetter interface {
	GetMembership(ctx context.Context, channelID, userID string) (*store.ChannelMembership, error)
}

// requireMembership loads the user's membership, mapping a missing row to
// FORBIDDEN and any other store failure to INTERNAL.
func requireMembership(ctx context.Context, s membershipGetter, logger *slog.Logger, channelID, userID string) (*store.ChannelMembership, *Error) {
	m, err := s.GetMembership(ctx, channelID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeForbidden, "You are not a member of this channel")
	}
	if err != nil {
		logger.Error("membership lookup failed", "user_id", userID, "channel_id", channelID, "error", err)
		return nil, errInternal
	}
	return m, nil
}
