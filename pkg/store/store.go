// Package store provides the daemon's durable local state: the
// append-only message log, per-conversation bookkeeping, and the
// transport read cursor. Everything lives in a single SQLite database
// (messages.db) that survives restarts.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message directions.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
)

// Exchange statuses. An inbound message carries the status of the
// exchange it started.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
)

// Store is the local durable state for one daemon instance.
// All writes go through a single mutex: SQLite has one writer anyway,
// and serialized writes preserve per-conversation ordering of persisted
// exchanges across concurrent pipeline workers.
type Store struct {
	db   *sql.DB
	path string

	wmu sync.Mutex
}

// Message is one row of the append-only message log.
type Message struct {
	ID          int64
	Platform    string
	Direction   string
	ChatID      string
	UserID      string
	Username    string
	Content     string
	Kind        string // text, document, photo
	ExternalID  string // transport-assigned message id
	ExchangeID  string
	Status      string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Conversation tracks per-chat aggregates.
type Conversation struct {
	ChatID         string
	Platform       string
	FirstMessageAt time.Time
	LastMessageAt  time.Time
	MessageCount   int
}

// Stats holds store-wide counts.
type Stats struct {
	TotalMessages int
	Inbound       int
	Outbound      int
	Conversations int
	Failed        int
}

// Open opens (creating if needed) the message database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "messages.db")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping message db: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("message store opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform TEXT NOT NULL,
			direction TEXT NOT NULL CHECK(direction IN ('inbound', 'outbound')),
			chat_id TEXT NOT NULL,
			user_id TEXT,
			username TEXT,
			content TEXT,
			message_type TEXT DEFAULT 'text',
			external_message_id TEXT,
			exchange_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME,
			status TEXT DEFAULT 'received'
				CHECK(status IN ('received', 'processing', 'processed', 'failed', 'rejected'))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(platform, external_message_id)
			WHERE direction = 'inbound' AND external_message_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(platform, chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			chat_id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			first_message_at DATETIME,
			last_message_at DATETIME,
			message_count INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cursor (
			transport TEXT PRIMARY KEY,
			offset INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate message db: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// --- Message log ---

// LogInbound appends an inbound message and upserts its conversation.
// Redelivery of the same transport message id (crash recovery re-poll)
// is idempotent: the existing row id and exchange id are returned.
func (s *Store) LogInbound(platform, chatID, userID, username, content, kind, externalID string) (int64, string, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if externalID != "" {
		var id int64
		var exchangeID string
		err := s.db.QueryRow(
			`SELECT id, exchange_id FROM messages
			 WHERE platform = ? AND direction = 'inbound' AND external_message_id = ?`,
			platform, externalID,
		).Scan(&id, &exchangeID)
		if err == nil {
			return id, exchangeID, nil
		}
		if err != sql.ErrNoRows {
			return 0, "", fmt.Errorf("check inbound dedup: %w", err)
		}
	}

	exchangeID := uuid.NewString()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, "", fmt.Errorf("begin log inbound tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages
		 (platform, direction, chat_id, user_id, username, content, message_type, external_message_id, exchange_id, status)
		 VALUES (?, 'inbound', ?, ?, ?, ?, ?, ?, ?, 'received')`,
		platform, chatID, userID, username, content, kind, externalID, exchangeID,
	)
	if err != nil {
		return 0, "", fmt.Errorf("log inbound: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := upsertConversation(tx, platform, chatID); err != nil {
		return 0, "", err
	}
	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("commit log inbound: %w", err)
	}
	return id, exchangeID, nil
}

// LogOutbound appends an outbound message tied to an exchange.
func (s *Store) LogOutbound(platform, chatID, content, kind, exchangeID string) (int64, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin log outbound tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO messages
		 (platform, direction, chat_id, content, message_type, exchange_id, status)
		 VALUES (?, 'outbound', ?, ?, ?, ?, 'processed')`,
		platform, chatID, content, kind, exchangeID,
	)
	if err != nil {
		return 0, fmt.Errorf("log outbound: %w", err)
	}
	id, _ := res.LastInsertId()

	if err := upsertConversation(tx, platform, chatID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit log outbound: %w", err)
	}
	return id, nil
}

func upsertConversation(tx *sql.Tx, platform, chatID string) error {
	_, err := tx.Exec(
		`INSERT INTO conversations (chat_id, platform, first_message_at, last_message_at, message_count)
		 VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 1)
		 ON CONFLICT(chat_id) DO UPDATE SET
			last_message_at = CURRENT_TIMESTAMP,
			message_count = message_count + 1`,
		chatID, platform,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// SetStatus marks the terminal state of an exchange's inbound message.
func (s *Store) SetStatus(messageID int64, status string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, messageID,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set status: message %d not found", messageID)
	}
	return nil
}

// History returns the most recent messages for a chat, newest first.
// Callers reverse the slice when building display or prompt order.
func (s *Store) History(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, platform, direction, chat_id,
			COALESCE(user_id,''), COALESCE(username,''), COALESCE(content,''),
			COALESCE(message_type,'text'), COALESCE(external_message_id,''),
			COALESCE(exchange_id,''), status, created_at, processed_at
		 FROM messages
		 WHERE chat_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FailedSince returns inbound messages whose exchange terminally failed
// after the cutoff. Used by the /status command.
func (s *Store) FailedSince(cutoff time.Time) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, platform, direction, chat_id,
			COALESCE(user_id,''), COALESCE(username,''), COALESCE(content,''),
			COALESCE(message_type,'text'), COALESCE(external_message_id,''),
			COALESCE(exchange_id,''), status, created_at, processed_at
		 FROM messages
		 WHERE direction = 'inbound' AND status = 'failed' AND created_at >= ?
		 ORDER BY id DESC`,
		cutoff.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		var processedAt sql.NullString
		err := rows.Scan(
			&m.ID, &m.Platform, &m.Direction, &m.ChatID,
			&m.UserID, &m.Username, &m.Content,
			&m.Kind, &m.ExternalID, &m.ExchangeID, &m.Status,
			&createdAt, &processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if processedAt.Valid {
			t := parseTime(processedAt.String)
			m.ProcessedAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Cursor ---

// Cursor returns the last durably committed offset for a transport,
// or 0 if the transport has never been polled.
func (s *Store) Cursor(transport string) (int64, error) {
	var offset int64
	err := s.db.QueryRow(`SELECT offset FROM cursor WHERE transport = ?`, transport).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return offset, nil
}

// SetCursor atomically commits the latest durable offset. Callers must
// only advance after every exchange record up to that offset has been
// written (success or terminal failure) — that ordering is what makes a
// crash redeliver at most the in-flight message instead of skipping it.
func (s *Store) SetCursor(transport string, offset int64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO cursor (transport, offset, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(transport) DO UPDATE SET
			offset = excluded.offset,
			updated_at = CURRENT_TIMESTAMP`,
		transport, offset,
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// --- Aggregates ---

// Stats returns store-wide counts.
func (s *Store) Stats() Stats {
	var st Stats
	s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&st.TotalMessages)
	s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE direction = 'inbound'`).Scan(&st.Inbound)
	s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE direction = 'outbound'`).Scan(&st.Outbound)
	s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&st.Conversations)
	s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = 'failed'`).Scan(&st.Failed)
	return st
}

// RecentConversations returns conversations ordered by last activity.
func (s *Store) RecentConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT chat_id, platform, first_message_at, last_message_at, message_count
		 FROM conversations
		 ORDER BY last_message_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var first, last sql.NullString
		if err := rows.Scan(&c.ChatID, &c.Platform, &first, &last, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if first.Valid {
			c.FirstMessageAt = parseTime(first.String)
		}
		if last.Valid {
			c.LastMessageAt = parseTime(last.String)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// parseTime parses a datetime string from SQLite, handling the formats
// different drivers write.
func parseTime(v string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	v = strings.TrimSpace(v)
	for _, f := range formats {
		if t, err := time.Parse(f, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
