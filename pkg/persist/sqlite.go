package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/conversation"
)

// SQLiteStore persists sessions and messages in a single SQLite database.
// Messages live in one flat table with a nullable parent_id; branch
// structure is recovered in memory.
type SQLiteStore struct {
	db *sql.DB
}

var _ MessageStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dsn and runs the
// schema migration. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		current_leaf_id TEXT NOT NULL DEFAULT '',
		last_message_preview TEXT NOT NULL DEFAULT '',
		last_message_role TEXT NOT NULL DEFAULT '',
		last_message_at DATETIME,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		reasoning_content TEXT NOT NULL DEFAULT '',
		parts TEXT,
		status TEXT NOT NULL DEFAULT 'completed',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_trace ON messages(session_id, trace_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const messageColumns = `id, parent_id, session_id, role, content, reasoning_content, parts, status,
	input_tokens, output_tokens, cached_tokens, cost, trace_id, created_at, updated_at`

func (s *SQLiteStore) PutMessage(ctx context.Context, msg *conversation.Message) error {
	var parentID sql.NullString
	if !msg.ParentID.IsNil() {
		parentID = sql.NullString{String: msg.ParentID.String(), Valid: true}
	}
	var parts sql.NullString
	if len(msg.Parts) > 0 {
		b, err := json.Marshal(msg.Parts)
		if err != nil {
			return errors.Wrap(err, "marshal parts")
		}
		parts = sql.NullString{String: string(b), Valid: true}
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			content=excluded.content,
			reasoning_content=excluded.reasoning_content,
			parts=excluded.parts,
			status=excluded.status,
			input_tokens=excluded.input_tokens,
			output_tokens=excluded.output_tokens,
			cached_tokens=excluded.cached_tokens,
			cost=excluded.cost,
			updated_at=excluded.updated_at`,
		msg.ID.String(), parentID, msg.SessionID, msg.Role, msg.Content,
		msg.ReasoningContent, parts, msg.Status,
		msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.Usage.CachedTokens,
		msg.Cost, msg.TraceID, msg.CreatedAt, msg.UpdatedAt,
	)
	return err
}

func scanMessage(row interface{ Scan(...any) error }) (*conversation.Message, error) {
	var (
		msg             conversation.Message
		id              string
		parentID, parts sql.NullString
	)
	err := row.Scan(&id, &parentID, &msg.SessionID, &msg.Role, &msg.Content,
		&msg.ReasoningContent, &parts, &msg.Status,
		&msg.Usage.InputTokens, &msg.Usage.OutputTokens, &msg.Usage.CachedTokens,
		&msg.Cost, &msg.TraceID, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.ID, err = conversation.ParseMessageID(id)
	if err != nil {
		return nil, errors.Wrap(err, "parse message id")
	}
	if parentID.Valid {
		msg.ParentID, err = conversation.ParseMessageID(parentID.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse parent id")
		}
	}
	if parts.Valid && parts.String != "" {
		if err := json.Unmarshal([]byte(parts.String), &msg.Parts); err != nil {
			return nil, errors.Wrap(err, "unmarshal parts")
		}
	}
	return &msg, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id conversation.MessageID) (*conversation.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id=?`, id.String())
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrMessageNotFound, id.String())
	}
	return msg, err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id=? ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*conversation.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id conversation.MessageID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrap(ErrMessageNotFound, id.String())
	}
	return nil
}

func (s *SQLiteStore) FindByTraceID(ctx context.Context, sessionID, traceID string) (*conversation.Message, error) {
	if traceID == "" {
		return nil, errors.Wrap(ErrMessageNotFound, "empty trace id")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id=? AND trace_id=? ORDER BY created_at ASC LIMIT 1`,
		sessionID, traceID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrMessageNotFound, "trace %s", traceID)
	}
	return msg, err
}

func (s *SQLiteStore) PutSession(ctx context.Context, session *conversation.Session) error {
	session.UpdatedAt = time.Now()
	var lastMessageAt sql.NullTime
	if !session.LastMessageAt.IsZero() {
		lastMessageAt = sql.NullTime{Time: session.LastMessageAt, Valid: true}
	}
	leafID := ""
	if !session.CurrentLeafID.IsNil() {
		leafID = session.CurrentLeafID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, title, current_leaf_id, last_message_preview,
			last_message_role, last_message_at, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			current_leaf_id=excluded.current_leaf_id,
			last_message_preview=excluded.last_message_preview,
			last_message_role=excluded.last_message_role,
			last_message_at=excluded.last_message_at,
			message_count=excluded.message_count,
			updated_at=excluded.updated_at`,
		session.ID, session.OwnerID, session.Title, leafID,
		session.LastMessagePreview, session.LastMessageRole, lastMessageAt,
		session.MessageCount, session.CreatedAt, session.UpdatedAt,
	)
	return err
}

func scanSession(row interface{ Scan(...any) error }) (*conversation.Session, error) {
	var (
		session       conversation.Session
		leafID        string
		lastMessageAt sql.NullTime
	)
	err := row.Scan(&session.ID, &session.OwnerID, &session.Title, &leafID,
		&session.LastMessagePreview, &session.LastMessageRole, &lastMessageAt,
		&session.MessageCount, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if leafID != "" {
		session.CurrentLeafID, err = conversation.ParseMessageID(leafID)
		if err != nil {
			return nil, errors.Wrap(err, "parse leaf id")
		}
	}
	if lastMessageAt.Valid {
		session.LastMessageAt = lastMessageAt.Time
	}
	return &session, nil
}

const sessionColumns = `id, owner_id, title, current_leaf_id, last_message_preview,
	last_message_role, last_message_at, message_count, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	return session, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]*conversation.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_id=? ORDER BY updated_at DESC`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*conversation.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	return nil
}
