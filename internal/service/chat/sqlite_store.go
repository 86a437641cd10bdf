package chat

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// SQLiteStore keeps sessions and transcripts in a sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteDSNForFile builds a DSN with foreign keys and a busy timeout enabled.
func SQLiteDSNForFile(path string) string {
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL,
			last_active_at_ms INTEGER NOT NULL,
			turns INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_session ON messages(session_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session chat.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at_ms, last_active_at_ms, turns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_active_at_ms = excluded.last_active_at_ms,
			turns = excluded.turns`,
		session.ID, session.CreatedAt.UnixMilli(), session.LastActiveAt.UnixMilli(), session.Turns)
	return errors.Wrap(err, "sqlite store: save session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	var (
		session             chat.Session
		createdMs, activeMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at_ms, last_active_at_ms, turns FROM sessions WHERE id = ?`, sessionID,
	).Scan(&session.ID, &createdMs, &activeMs, &session.Turns)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "sqlite store: get session")
	}
	session.CreatedAt = time.UnixMilli(createdMs).UTC()
	session.LastActiveAt = time.UnixMilli(activeMs).UTC()
	return session, nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, messages ...chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, session_id, sender, content, created_at_ms) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "sqlite store: prepare insert")
	}
	defer stmt.Close()

	for _, msg := range messages {
		if _, err := stmt.ExecContext(ctx, msg.ID, sessionID, msg.Sender, msg.Content, msg.CreatedAt.UnixMilli()); err != nil {
			return errors.Wrap(err, "sqlite store: insert message")
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit")
}

func (s *SQLiteStore) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, content, created_at_ms FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: load transcript")
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var (
			msg       chat.Message
			createdMs int64
		)
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Content, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		msg.SessionID = sessionID
		msg.CreatedAt = time.UnixMilli(createdMs).UTC()
		messages = append(messages, msg)
	}
	return messages, errors.Wrap(rows.Err(), "sqlite store: iterate messages")
}

func (s *SQLiteStore) ClearTranscript(ctx context.Context, sessionID string) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	return errors.Wrap(err, "sqlite store: clear transcript")
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteIdle(ctx context.Context, cutoff time.Time, keep ...string) (int, error) {
	query := `DELETE FROM sessions WHERE last_active_at_ms < ?`
	args := []any{cutoff.UnixMilli()}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: delete idle sessions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) ensureSession(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	return errors.Wrap(err, "sqlite store: lookup session")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
