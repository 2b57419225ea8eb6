package summarystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/backend"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite summary store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ArchiveSummary(ctx context.Context, sessionID string, sum backend.Summary) error {
	return s.Save(ctx, newRecord(sessionID, sum, time.Now()))
}

func (s *SQLiteStore) Save(ctx context.Context, record Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite summary store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record = normalizeRecord(record, time.Now())
	if record.SessionID == "" {
		return errors.New("sqlite summary store: sessionID is empty")
	}
	payload, err := json.Marshal(record.Summary)
	if err != nil {
		return errors.Wrap(err, "sqlite summary store: marshal summary")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (
			session_id, conversation_id, sentiment, department, stored_at_ms, summary_json
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sentiment = excluded.sentiment,
			department = excluded.department,
			stored_at_ms = excluded.stored_at_ms,
			summary_json = excluded.summary_json
	`, record.SessionID, record.ConversationID, record.Summary.Sentiment, record.Summary.Department, record.StoredAtMs, string(payload))
	if err != nil {
		return errors.Wrap(err, "sqlite summary store: save summary")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, errors.New("sqlite summary store: db is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, false, errors.New("sqlite summary store: id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, conversation_id, stored_at_ms, summary_json
		FROM summaries
		WHERE conversation_id = ? OR session_id = ?
		ORDER BY CASE WHEN conversation_id = ? THEN 0 ELSE 1 END, stored_at_ms DESC
		LIMIT 1
	`, id, id, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "sqlite summary store: get summary")
	}
	return record, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite summary store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, conversation_id, stored_at_ms, summary_json
		FROM summaries
		ORDER BY stored_at_ms DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite summary store: list summaries")
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite summary store: scan summary")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite summary store: list summaries")
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		record  Record
		payload string
	)
	if err := row.Scan(&record.SessionID, &record.ConversationID, &record.StoredAtMs, &payload); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &record.Summary); err != nil {
		return Record{}, errors.Wrap(err, "decode summary json")
	}
	return record, nil
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite summary store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS summaries (
		  session_id TEXT PRIMARY KEY,
		  conversation_id TEXT NOT NULL DEFAULT '',
		  sentiment TEXT NOT NULL DEFAULT '',
		  department TEXT NOT NULL DEFAULT '',
		  stored_at_ms INTEGER NOT NULL,
		  summary_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS summaries_by_conversation
		  ON summaries(conversation_id);`,
		`CREATE INDEX IF NOT EXISTS summaries_by_stored_at
		  ON summaries(stored_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite summary store: migrate")
		}
	}
	return nil
}

func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite summary store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
