package gateway

import "github.com/Tyrowin/gochat-gateway/internal/auth"

// Conn is a live client connection. Send queues an encoded frame and reports
// false when the connection can no longer accept frames.
type Conn interface {
	ID() string
	UserID() string
	Send(frame []byte) bool
}

// Session is the per-connection context handed to event handlers.
type Session struct {
	Conn Conn
	User auth.Identity
}

// DisplayName returns the name shown to other users.
func (s *Session) DisplayName() string {
	if s.User.Name != "" {
		return s.User.Name
	}
	return "Someone"
}
