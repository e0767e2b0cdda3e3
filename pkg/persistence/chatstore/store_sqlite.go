package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/agentboard/agentboard/pkg/conversation"
)

// SQLiteStore persists conversation messages in a local sqlite database
// so a restarted session can hydrate its history without the backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS chat_messages (
	project_id    TEXT NOT NULL,
	id            TEXT NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	timestamp_ms  INTEGER NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (project_id, id)
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_project_ts
	ON chat_messages(project_id, timestamp_ms);
`)
	return errors.Wrap(err, "sqlite chat store: migrate")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, projectID string, msg conversation.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	if projectID == "" || msg.ID == "" {
		return errors.New("sqlite chat store: project id and message id are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: encode metadata")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO chat_messages (project_id, id, role, content, timestamp_ms, metadata_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id, id) DO UPDATE SET
	content = excluded.content,
	metadata_json = excluded.metadata_json
`, projectID, msg.ID, string(msg.Role), msg.Content, msg.Timestamp.UnixMilli(), string(meta))
	return errors.Wrap(err, "sqlite chat store: upsert message")
}

func (s *SQLiteStore) List(ctx context.Context, projectID string) ([]conversation.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, role, content, timestamp_ms, metadata_json
FROM chat_messages
WHERE project_id = ?
ORDER BY timestamp_ms ASC, rowid ASC
`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	var out []conversation.Message
	for rows.Next() {
		var (
			msg    conversation.Message
			role   string
			tsMs   int64
			rawMet string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &tsMs, &rawMet); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		msg.Role = conversation.Role(role)
		msg.Timestamp = time.UnixMilli(tsMs).UTC()
		if rawMet != "" {
			if err := json.Unmarshal([]byte(rawMet), &msg.Metadata); err != nil {
				return nil, errors.Wrapf(err, "sqlite chat store: decode metadata for %s", msg.ID)
			}
		}
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "sqlite chat store: iterate messages")
}
