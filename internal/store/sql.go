package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL database behind a SQL store.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQL implements Store over database/sql for SQLite and PostgreSQL.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens a database for the dialect and pings it. Migrations are not
// applied; call Migrate.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn is required")
	}
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, errors.Errorf("unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dialect == DialectSQLite {
		// One connection keeps :memory: databases coherent and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "configure sqlite")
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return NewSQL(db, dialect), nil
}

// NewSQL wraps an already opened database.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Close releases the database handle.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *SQL) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, email, image FROM users WHERE id = ?`), id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

func (s *SQL) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var c Channel
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, owner_id, slow_mode_seconds, created_at FROM channels WHERE id = ?`), id,
	).Scan(&c.ID, &c.Name, &c.OwnerID, &c.SlowModeSeconds, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get channel")
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

const membershipColumns = `channel_id, user_id, role, last_read_message_id, notification_preference`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (ChannelMembership, error) {
	var m ChannelMembership
	var lastRead sql.NullString
	err := row.Scan(&m.ChannelID, &m.UserID, &m.Role, &lastRead, &m.NotificationPreference)
	m.LastReadMessageID = lastRead.String
	return m, err
}

func (s *SQL) GetMembership(ctx context.Context, channelID, userID string) (*ChannelMembership, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+membershipColumns+` FROM channel_members WHERE channel_id = ? AND user_id = ?`),
		channelID, userID)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get membership")
	}
	return &m, nil
}

func (s *SQL) ListMemberships(ctx context.Context, userID string) ([]ChannelMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+membershipColumns+` FROM channel_members WHERE user_id = ? ORDER BY channel_id`),
		userID)
	if err != nil {
		return nil, errors.Wrap(err, "list memberships")
	}
	defer rows.Close()

	var out []ChannelMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan membership")
		}
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "iterate memberships")
}

func (s *SQL) UpdateLastRead(ctx context.Context, channelID, userID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE channel_members SET last_read_message_id = ? WHERE channel_id = ? AND user_id = ?`),
		messageID, channelID, userID)
	if err != nil {
		return errors.Wrap(err, "update last read")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) UpsertPresence(ctx context.Context, p UserPresence) error {
	var custom sql.NullString
	if p.CustomStatus != nil {
		custom = sql.NullString{String: *p.CustomStatus, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO user_presence (user_id, status, custom_status, last_seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    status = excluded.status,
    custom_status = excluded.custom_status,
    last_seen_at = excluded.last_seen_at`),
		p.UserID, string(p.Status), custom, toMillis(p.LastSeenAt))
	return errors.Wrap(err, "upsert presence")
}

func scanPresence(row rowScanner) (UserPresence, error) {
	var p UserPresence
	var custom sql.NullString
	var lastSeen int64
	if err := row.Scan(&p.UserID, &p.Status, &custom, &lastSeen); err != nil {
		return p, err
	}
	if custom.Valid {
		cs := custom.String
		p.CustomStatus = &cs
	}
	p.LastSeenAt = fromMillis(lastSeen)
	return p, nil
}

func (s *SQL) GetPresences(ctx context.Context, userIDs []string) (map[string]UserPresence, error) {
	out := make(map[string]UserPresence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT user_id, status, custom_status, last_seen_at FROM user_presence WHERE user_id IN (`+placeholders(len(userIDs))+`)`),
		args...)
	if err != nil {
		return nil, errors.Wrap(err, "get presences")
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan presence")
		}
		out[p.UserID] = p
	}
	return out, errors.Wrap(rows.Err(), "iterate presences")
}

func (s *SQL) ListActivePresences(ctx context.Context) ([]UserPresence, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT user_id, status, custom_status, last_seen_at FROM user_presence WHERE status <> ?`),
		string(StatusOffline))
	if err != nil {
		return nil, errors.Wrap(err, "list active presences")
	}
	defer rows.Close()
	var out []UserPresence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan presence")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate presences")
}

func (s *SQL) LastMessageAt(ctx context.Context, channelID, senderID string) (time.Time, bool, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT MAX(created_at) FROM messages WHERE channel_id = ? AND sender_id = ?`),
		channelID, senderID).Scan(&last)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "last message time")
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(last.Int64), true, nil
}

func (s *SQL) CreateMessage(ctx context.Context, m *Message) error {
	if m == nil || m.ID == "" {
		return errors.New("message is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO messages (id, channel_id, sender_id, content, thread_parent_id, gif_url, image_url,
    code_snippet, code_language, is_deleted, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`),
		m.ID, m.ChannelID, m.SenderID, m.Content, nullString(m.ThreadParentID),
		m.GifURL, m.ImageURL, m.CodeSnippet, m.CodeLanguage, toMillis(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return errors.Wrap(err, "create message")
	}
	return nil
}

func (s *SQL) GetMessage(ctx context.Context, id string) (*Message, error) {
	var (
		m                       Message
		parent, deletedBy       sql.NullString
		senderName, senderImage sql.NullString
		isDeleted               int
		editedAt                sql.NullInt64
		createdAt               int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT m.id, m.channel_id, m.sender_id, m.content, m.thread_parent_id, m.gif_url, m.image_url,
    m.code_snippet, m.code_language, m.is_deleted, m.deleted_by_id, m.edited_at, m.created_at,
    u.name, u.image
FROM messages m
LEFT JOIN users u ON u.id = m.sender_id
WHERE m.id = ?`), id).Scan(
		&m.ID, &m.ChannelID, &m.SenderID, &m.Content, &parent, &m.GifURL, &m.ImageURL,
		&m.CodeSnippet, &m.CodeLanguage, &isDeleted, &deletedBy, &editedAt, &createdAt,
		&senderName, &senderImage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	m.ThreadParentID = parent.String
	m.DeletedByID = deletedBy.String
	m.IsDeleted = isDeleted != 0
	m.CreatedAt = fromMillis(createdAt)
	if editedAt.Valid {
		t := fromMillis(editedAt.Int64)
		m.EditedAt = &t
	}
	m.Sender = &User{ID: m.SenderID, Name: senderName.String, Image: senderImage.String}

	if err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM messages WHERE thread_parent_id = ?`), id,
	).Scan(&m.ReplyCount); err != nil {
		return nil, errors.Wrap(err, "count replies")
	}
	if m.Reactions, err = s.ListReactions(ctx, id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQL) UpdateMessage(ctx context.Context, m *Message) error {
	if m == nil {
		return errors.New("message is required")
	}
	var editedAt sql.NullInt64
	if m.EditedAt != nil {
		editedAt = sql.NullInt64{Int64: toMillis(*m.EditedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE messages SET content = ?, edited_at = ?, is_deleted = ?, deleted_by_id = ? WHERE id = ?`),
		m.Content, editedAt, boolInt(m.IsDeleted), nullString(m.DeletedByID), m.ID)
	if err != nil {
		return errors.Wrap(err, "update message")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ThreadParticipants(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT sender_id, MIN(created_at) AS first_at FROM messages
WHERE id = ? OR thread_parent_id = ?
GROUP BY sender_id
ORDER BY first_at`), parentID, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "thread participants")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		var firstAt int64
		if err := rows.Scan(&id, &firstAt); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate participants")
}

func (s *SQL) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin reaction toggle")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM messages WHERE id = ?`), messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, errors.Wrap(err, "check message")
	}

	res, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`),
		messageID, userID, emoji)
	if err != nil {
		return false, errors.Wrap(err, "remove reaction")
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "remove reaction")
	}
	added := removed == 0
	if added {
		if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?, ?)`),
			uuid.NewString(), messageID, userID, emoji, toMillis(time.Now())); err != nil {
			if isUniqueViolation(err) {
				return false, ErrConflict
			}
			return false, errors.Wrap(err, "add reaction")
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit reaction toggle")
	}
	return added, nil
}

func (s *SQL) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT r.id, r.message_id, r.user_id, r.emoji, r.created_at, u.name, u.image
FROM message_reactions r
LEFT JOIN users u ON u.id = r.user_id
WHERE r.message_id = ?
ORDER BY r.created_at, r.id`), messageID)
	if err != nil {
		return nil, errors.Wrap(err, "list reactions")
	}
	defer rows.Close()
	out := []Reaction{}
	for rows.Next() {
		var r Reaction
		var createdAt int64
		var name, image sql.NullString
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &createdAt, &name, &image); err != nil {
			return nil, errors.Wrap(err, "scan reaction")
		}
		r.CreatedAt = fromMillis(createdAt)
		if name.Valid {
			r.User = &User{ID: r.UserID, Name: name.String, Image: image.String}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate reactions")
}

func (s *SQL) ListAutoModRules(ctx context.Context, channelID string) ([]AutoModRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, channel_id, type, config FROM automod_rules
WHERE is_enabled = 1 AND (channel_id IS NULL OR channel_id = '' OR channel_id = ?)
ORDER BY id`), channelID)
	if err != nil {
		return nil, errors.Wrap(err, "list automod rules")
	}
	defer rows.Close()
	var out []AutoModRule
	for rows.Next() {
		var r AutoModRule
		var ch sql.NullString
		var cfg string
		if err := rows.Scan(&r.ID, &ch, &r.Type, &cfg); err != nil {
			return nil, errors.Wrap(err, "scan automod rule")
		}
		r.ChannelID = ch.String
		r.Config = []byte(cfg)
		r.IsEnabled = true
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate automod rules")
}

func (s *SQL) CreateNotification(ctx context.Context, n *Notification) error {
	if n == nil || n.RecipientID == "" {
		return errors.New("notification recipient is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO notifications (id, type, recipient_id, actor_id, title, message, channel_id, message_id, link, is_read, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, string(n.Type), n.RecipientID, n.ActorID, n.Title, n.Message,
		n.ChannelID, n.MessageID, n.Link, boolInt(n.IsRead), toMillis(n.CreatedAt))
	return errors.Wrap(err, "create notification")
}

func (s *SQL) ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, user_id, endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		return nil, errors.Wrap(err, "list push subscriptions")
	}
	defer rows.Close()
	var out []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, errors.Wrap(err, "scan push subscription")
		}
		out = append(out, sub)
	}
	return out, errors.Wrap(rows.Err(), "iterate push subscriptions")
}

func (s *SQL) DeletePushSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM push_subscriptions WHERE id = ?`), id)
	if err != nil {
		return errors.Wrap(err, "delete push subscription")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) PutUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO users (id, name, email, image) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email, image = excluded.image`),
		u.ID, u.Name, u.Email, u.Image)
	return errors.Wrap(err, "put user")
}

func (s *SQL) PutChannel(ctx context.Context, c Channel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO channels (id, name, owner_id, slow_mode_seconds, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id,
    slow_mode_seconds = excluded.slow_mode_seconds`),
		c.ID, c.Name, c.OwnerID, c.SlowModeSeconds, toMillis(c.CreatedAt))
	return errors.Wrap(err, "put channel")
}

func (s *SQL) PutMembership(ctx context.Context, m ChannelMembership) error {
	if m.Role == "" {
		m.Role = RoleMember
	}
	if m.NotificationPreference == "" {
		m.NotificationPreference = NotifyAll
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO channel_members (`+membershipColumns+`) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (channel_id, user_id) DO UPDATE SET role = excluded.role,
    notification_preference = excluded.notification_preference`),
		m.ChannelID, m.UserID, string(m.Role), nullString(m.LastReadMessageID), string(m.NotificationPreference))
	return errors.Wrap(err, "put membership")
}

func (s *SQL) PutAutoModRule(ctx context.Context, r AutoModRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cfg := string(r.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO automod_rules (id, channel_id, type, config, is_enabled) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET channel_id = excluded.channel_id, type = excluded.type,
    config = excluded.config, is_enabled = excluded.is_enabled`),
		r.ID, nullString(r.ChannelID), string(r.Type), cfg, boolInt(r.IsEnabled))
	return errors.Wrap(err, "put automod rule")
}

func (s *SQL) PutPushSubscription(ctx context.Context, sub PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (endpoint) DO UPDATE SET user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth`),
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth)
	return errors.Wrap(err, "put push subscription")
}
