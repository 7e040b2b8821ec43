package gateway

import (
	"encoding/json"
	"time"
)

// Inbound events.
const (
	EventChannelJoin       = "channel:join"
	EventChannelLeave      = "channel:leave"
	EventChannelMarkRead   = "channel:mark-read"
	EventMessageSend       = "message:send"
	EventMessageEdit       = "message:edit"
	EventMessageDelete     = "message:delete"
	EventMessageReact      = "message:react"
	EventPresenceUpdate    = "presence:update"
	EventPresenceHeartbeat = "presence:heartbeat"
	EventPresenceGetBulk   = "presence:get-bulk"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
)

// Broadcast events.
const (
	EventPresenceChanged = "presence:changed"
	EventMessageNew      = "message:new"
	EventMessageUpdated  = "message:updated"
	EventMessageDeleted  = "message:deleted"
	EventReactionUpdated = "reaction:updated"
	EventTypingUpdate    = "typing:update"
	EventThreadNew       = "thread:new"
	EventNotificationNew = "notification:new"
)

// EventAck is the event name of acknowledgement frames.
const EventAck = "ack"

// Envelope is a client frame: {"event": ..., "ackId": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	AckID *int64          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	AckID *int64 `json:"ackId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// EncodeEvent renders a server frame for event.
func EncodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// EncodeAck renders the acknowledgement frame for ackID.
func EncodeAck(ackID int64, body map[string]any) ([]byte, error) {
	return json.Marshal(outbound{Event: EventAck, AckID: &ackID, Data: body})
}

// presenceEpoch is reported as lastSeenAt for users with no stored presence.
var presenceEpoch = time.Unix(0, 0).UTC()
