// Package gateway holds the real-time messaging core: the connection
// registry, presence, channel rooms, typing indicators, the message pipeline,
// and mention notifications. It is transport-agnostic; the server package
// feeds it decoded frames and delivers the frames it emits.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Tyrowin/gochat-gateway/internal/observability"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config wires a Gateway to its collaborators.
type Config struct {
	Store   store.Store
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Pusher receives external push jobs. Nil disables external push.
	Pusher        Pusher
	TypingTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type handlerFunc func(ctx context.Context, sess *Session, data json.RawMessage) Result

// Gateway owns all per-process connection state. Independent instances share
// nothing.
type Gateway struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	registry *Registry
	rooms    *RoomRouter
	fanout   *Fanout
	presence *PresenceTracker
	typing   *TypingCoordinator
	pipeline *MessagePipeline
	notifier *MentionNotifier
	handlers map[string]handlerFunc

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New builds a gateway over cfg.Store.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{logger: logger, metrics: cfg.Metrics}
	g.registry = NewRegistry()
	g.rooms = NewRoomRouter(cfg.Store, logger)
	g.fanout = NewFanout(g.registry, g.rooms, logger, cfg.Metrics)
	g.presence = NewPresenceTracker(cfg.Store, g.registry, g.fanout, logger, now)
	g.typing = NewTypingCoordinator(g.fanout, cfg.TypingTimeout)
	g.notifier = NewMentionNotifier(cfg.Store, g.fanout, cfg.Pusher, logger, now)
	g.pipeline = NewMessagePipeline(cfg.Store, g.fanout, g.notifier, logger, cfg.Metrics, now)
	g.handlers = map[string]handlerFunc{
		EventChannelJoin:       g.handleChannelJoin,
		EventChannelLeave:      g.handleChannelLeave,
		EventChannelMarkRead:   g.handleChannelMarkRead,
		EventMessageSend:       g.handleMessageSend,
		EventMessageEdit:       g.handleMessageEdit,
		EventMessageDelete:     g.handleMessageDelete,
		EventMessageReact:      g.handleMessageReact,
		EventPresenceUpdate:    g.handlePresenceUpdate,
		EventPresenceHeartbeat: g.handlePresenceHeartbeat,
		EventPresenceGetBulk:   g.handlePresenceGetBulk,
		EventTypingStart:       g.handleTypingStart,
		EventTypingStop:        g.handleTypingStop,
	}
	return g
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Rooms returns the room router.
func (g *Gateway) Rooms() *RoomRouter { return g.rooms }

// Typing returns the typing coordinator.
func (g *Gateway) Typing() *TypingCoordinator { return g.typing }

// Connect registers an authenticated connection, marks its user online, and
// joins it to the rooms of the user's channels.
func (g *Gateway) Connect(ctx context.Context, sess *Session) {
	first := g.registry.Add(sess.Conn)
	if g.metrics != nil {
		g.metrics.Connections.Inc()
	}
	g.presence.Connected(ctx, sess.User.ID, first)

	rooms, err := g.rooms.JoinMemberships(ctx, sess.Conn)
	if err != nil {
		g.logger.Error("join channel rooms failed", "user_id", sess.User.ID, "conn_id", sess.Conn.ID(), "error", err)
	}
	g.logger.Info("connection registered",
		"user_id", sess.User.ID,
		"conn_id", sess.Conn.ID(),
		"rooms", rooms,
		"user_connections", g.registry.ConnectionCount(sess.User.ID),
	)
}

// Disconnect unregisters the connection and marks its user offline when it
// was the last one.
func (g *Gateway) Disconnect(ctx context.Context, sess *Session) {
	g.rooms.LeaveAll(sess.Conn)
	last := g.registry.Remove(sess.Conn)
	if g.metrics != nil {
		g.metrics.Connections.Dec()
	}
	g.presence.Disconnected(ctx, sess.User.ID)
	g.logger.Info("connection unregistered", "user_id", sess.User.ID, "conn_id", sess.Conn.ID(), "last", last)
}

// Handle dispatches one inbound event. Failures come back in the Result and
// never end the connection.
func (g *Gateway) Handle(ctx context.Context, sess *Session, env Envelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("event handler panic", "event", env.Event, "user_id", sess.User.ID, "panic", fmt.Sprint(r))
			res = Fail(errInternal)
		}
		g.countEvent(env.Event, res)
	}()

	h, ok := g.handlers[env.Event]
	if !ok {
		return Fail(newError(CodeValidation, "Unknown event"))
	}
	return h(ctx, sess, env.Data)
}

func (g *Gateway) countEvent(event string, res Result) {
	if g.metrics == nil {
		return
	}
	if _, known := g.handlers[event]; !known {
		event = "unknown"
	}
	outcome := "ok"
	if res.Err() != nil {
		outcome = "error"
	}
	g.metrics.Events.WithLabelValues(event, outcome).Inc()
}

// Reconcile runs one presence reconciliation pass.
func (g *Gateway) Reconcile(ctx context.Context) (int, error) {
	return g.presence.Reconcile(ctx)
}

// StartSweeper schedules presence reconciliation on spec, a cron expression
// or descriptor such as "@every 1m". An empty spec disables the sweep.
func (g *Gateway) StartSweeper(ctx context.Context, spec string) error {
	if spec == "" {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(spec, func() { g.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid presence sweep schedule %q: %w", spec, err)
	}
	g.cronMu.Lock()
	g.cron = c
	g.cronMu.Unlock()
	c.Start()
	return nil
}

func (g *Gateway) sweep(ctx context.Context) {
	n, err := g.presence.Reconcile(ctx)
	if err != nil {
		g.logger.Warn("presence sweep failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("presence sweep marked users offline", "users", n)
	}
}

// Close stops the sweeper and cancels pending typing expiries.
func (g *Gateway) Close() {
	g.cronMu.Lock()
	c := g.cron
	g.cron = nil
	g.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	g.typing.Close()
}

func decode(data json.RawMessage, v any) *Error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newError(CodeValidation, "Invalid payload")
	}
	return nil
}

func result(data map[string]any, err *Error) Result {
	if err != nil {
		return Result{err: err}
	}
	return OK(data)
}

type channelRef struct {
	ChannelID string `json:"channelId"`
}

func (g *Gateway) handleChannelJoin(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in channelRef
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	return result(nil, g.rooms.Join(ctx, sess.Conn, in.ChannelID))
}

func (g *Gateway) handleChannelLeave(_ context.Context, sess *Session, data json.RawMessage) Result {
	var in channelRef
	if decode(data, &in) == nil && in.ChannelID != "" {
		g.rooms.Leave(sess.Conn, in.ChannelID)
	}
	return NoAck()
}

func (g *Gateway) handleChannelMarkRead(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in struct {
		ChannelID string `json:"channelId"`
		MessageID string `json:"messageId"`
	}
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	return result(nil, g.rooms.MarkRead(ctx, sess.User.ID, in.ChannelID, in.MessageID))
}

func (g *Gateway) handleMessageSend(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in SendInput
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	msg, e := g.pipeline.Send(ctx, sess, in)
	if e != nil {
		return result(nil, e)
	}
	return OK(map[string]any{"message": msg})
}

func (g *Gateway) handleMessageEdit(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	msg, e := g.pipeline.Edit(ctx, sess, in.MessageID, in.Content)
	if e != nil {
		return result(nil, e)
	}
	return OK(map[string]any{"message": msg})
}

func (g *Gateway) handleMessageDelete(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in struct {
		MessageID string `json:"messageId"`
	}
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	return result(nil, g.pipeline.Delete(ctx, sess, in.MessageID))
}

func (g *Gateway) handleMessageReact(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in struct {
		MessageID string `json:"messageId"`
		Emoji     string `json:"emoji"`
	}
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	added, e := g.pipeline.React(ctx, sess, in.MessageID, in.Emoji)
	return result(map[string]any{"added": added}, e)
}

func (g *Gateway) handlePresenceUpdate(ctx context.Context, sess *Session, data json.RawMessage) Result {
	var in struct {
		Status       store.PresenceStatus `json:"status"`
		CustomStatus *string              `json:"customStatus"`
	}
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	return result(nil, g.presence.Update(ctx, sess.User.ID, in.Status, in.CustomStatus))
}

func (g *Gateway) handlePresenceHeartbeat(ctx context.Context, sess *Session, _ json.RawMessage) Result {
	g.presence.Heartbeat(ctx, sess.User.ID)
	return NoAck()
}

func (g *Gateway) handlePresenceGetBulk(ctx context.Context, _ *Session, data json.RawMessage) Result {
	var in struct {
		UserIDs []string `json:"userIds"`
	}
	if e := decode(data, &in); e != nil {
		return result(nil, e)
	}
	presences, e := g.presence.GetBulk(ctx, in.UserIDs)
	if e != nil {
		return result(nil, e)
	}
	return OK(map[string]any{"presences": presences})
}

// Typing events are dropped unless the connection is in the channel's room.
func (g *Gateway) handleTypingStart(_ context.Context, sess *Session, data json.RawMessage) Result {
	var in channelRef
	if decode(data, &in) == nil && g.rooms.InRoom(sess.Conn.ID(), in.ChannelID) {
		g.typing.Start(sess.User.ID, sess.DisplayName(), in.ChannelID)
	}
	return NoAck()
}

func (g *Gateway) handleTypingStop(_ context.Context, sess *Session, data json.RawMessage) Result {
	var in channelRef
	if decode(data, &in) == nil && g.rooms.InRoom(sess.Conn.ID(), in.ChannelID) {
		g.typing.Stop(sess.User.ID, sess.DisplayName(), in.ChannelID)
	}
	return NoAck()
}
