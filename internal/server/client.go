package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-gateway/internal/auth"
	"github.com/Tyrowin/gochat-gateway/internal/gateway"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	disconnectWait = 5 * time.Second
)

// Client is one authenticated websocket connection. It implements
// gateway.Conn: the gateway queues frames through Send and the write pump
// drains them.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	session        *gateway.Session
	logger         *slog.Logger
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	mu        sync.RWMutex
	closed    bool
	abortOnce sync.Once
}

// NewClient creates a client for an upgraded connection of user.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, user auth.Identity) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	c := &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
	c.session = &gateway.Session{Conn: c, User: user}
	c.logger = hub.logger.With("conn_id", c.id, "user_id", user.ID, "remote_addr", addr)
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user's id.
func (c *Client) UserID() string { return c.session.User.ID }

// Send queues a frame without blocking. A client whose buffer is full is
// considered stuck and is disconnected.
func (c *Client) Send(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send buffer full; dropping connection")
		go c.abort()
		return false
	}
}

// markClosed stops further sends and closes the send channel, which makes
// the write pump send a close frame and exit.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// abort closes the underlying connection so both pumps unwind.
func (c *Client) abort() {
	c.abortOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection", "error", err)
		}
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "max_bytes", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err.Error())
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err.Error())
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// processMessage decodes one frame, runs it through the gateway, and writes
// the acknowledgement when the client asked for one. Malformed frames are
// logged and dropped.
func (c *Client) processMessage(ctx context.Context, raw []byte) {
	var env gateway.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.logger.Warn("dropping malformed frame", "bytes", len(raw))
		return
	}

	if wait := c.rateLimiter.take(); wait > 0 {
		c.logger.Warn("rate limit exceeded; discarding event",
			"event", env.Event,
			"burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval.String(),
		)
		if c.hub.metrics != nil {
			c.hub.metrics.Events.WithLabelValues("throttled", "rate_limited").Inc()
		}
		c.ack(env.AckID, gateway.Fail(&gateway.Error{
			Code:       gateway.CodeRateLimited,
			Message:    "Too many events",
			RetryAfter: retryAfterSeconds(wait),
		}))
		return
	}

	c.ack(env.AckID, c.hub.gateway.Handle(ctx, c.session, env))
}

func (c *Client) ack(ackID *int64, res gateway.Result) {
	if ackID == nil {
		return
	}
	body, ok := res.Ack()
	if !ok {
		return
	}
	frame, err := gateway.EncodeAck(*ackID, body)
	if err != nil {
		c.logger.Error("encode ack failed", "error", err)
		return
	}
	c.Send(frame)
}

func (c *Client) readPump(ctx context.Context) {
	c.hub.gateway.Connect(ctx, c.session)
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectWait)
		c.hub.gateway.Disconnect(dctx, c.session)
		cancel()
		c.hub.unregisterClient(c)
		c.abort()
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.processMessage(ctx, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.abort()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing close message", "error", err)
		}
	}
	return false
}

// writeTextMessage writes a frame as its own websocket message. Frames are
// never coalesced because each one is a standalone JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("error writing ping message", "error", err)
		return false
	}
	return true
}
