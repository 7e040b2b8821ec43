package gateway

import (
	"log/slog"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
)

// Fanout encodes an event once and queues it to a set of connections chosen
// from the registry or a room.
type Fanout struct {
	registry *Registry
	rooms    *RoomRouter
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewFanout creates a fanout over registry and rooms.
func NewFanout(registry *Registry, rooms *RoomRouter, logger *slog.Logger, metrics *observability.Metrics) *Fanout {
	return &Fanout{registry: registry, rooms: rooms, logger: logger, metrics: metrics}
}

// ToRoom sends to every connection in the channel's room except skipConnID.
func (f *Fanout) ToRoom(channelID, event string, data any, skipConnID string) int {
	return f.send(f.rooms.Members(channelID), event, data, func(c Conn) bool {
		return c.ID() == skipConnID
	})
}

// ToRoomExceptUser sends to the channel's room, skipping all of userID's
// connections.
func (f *Fanout) ToRoomExceptUser(channelID, event string, data any, userID string) int {
	return f.send(f.rooms.Members(channelID), event, data, func(c Conn) bool {
		return c.UserID() == userID
	})
}

// ToUser sends to every live connection of userID.
func (f *Fanout) ToUser(userID, event string, data any) int {
	return f.send(f.registry.UserConns(userID), event, data, nil)
}

// ToAll sends to every live connection.
func (f *Fanout) ToAll(event string, data any) int {
	return f.send(f.registry.All(), event, data, nil)
}

func (f *Fanout) send(conns []Conn, event string, data any, skip func(Conn) bool) int {
	if len(conns) == 0 {
		return 0
	}
	frame, err := EncodeEvent(event, data)
	if err != nil {
		f.logger.Error("encode broadcast failed", "event", event, "error", err)
		return 0
	}
	delivered := 0
	for _, c := range conns {
		if skip != nil && skip(c) {
			continue
		}
		if c.Send(frame) {
			delivered++
		}
	}
	if f.metrics != nil && delivered > 0 {
		f.metrics.Broadcasts.WithLabelValues(event).Add(float64(delivered))
	}
	return delivered
}
