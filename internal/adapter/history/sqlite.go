package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentrun/internal/domain"
)

// SQLiteStore implements domain.HistoryStore using SQLite. Each key holds
// the ordered turns of one (agent, session) conversation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history_messages (
			agent      TEXT    NOT NULL,
			session    TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT    NOT NULL,
			content    TEXT    NOT NULL DEFAULT '',
			name       TEXT    NOT NULL DEFAULT '',
			tool_calls TEXT    NOT NULL DEFAULT '[]',
			created_at TEXT    NOT NULL,
			PRIMARY KEY (agent, session, seq)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, key domain.HistoryKey) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, name, tool_calls, created_at FROM history_messages WHERE agent = ? AND session = ? ORDER BY seq",
		key.Agent, key.Session,
	)
	if err != nil {
		return nil, storeError("Load", key, err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var (
			m         domain.Message
			toolCalls string
			createdAt string
		)
		if err := rows.Scan(&m.Role, &m.Content, &m.Name, &toolCalls, &createdAt); err != nil {
			return nil, storeError("Load", key, err)
		}
		if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
			return nil, storeError("Load", key, fmt.Errorf("decode tool calls: %w", err))
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("Load", key, err)
	}
	return msgs, nil
}

// Save replaces the stored conversation for key in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, key domain.HistoryKey, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("Save", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM history_messages WHERE agent = ? AND session = ?", key.Agent, key.Session,
	); err != nil {
		return storeError("Save", key, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO history_messages (agent, session, seq, role, content, name, tool_calls, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return storeError("Save", key, err)
	}
	defer stmt.Close()

	for i, m := range msgs {
		calls := m.ToolCalls
		if calls == nil {
			calls = []domain.ToolCall{}
		}
		callsJSON, err := json.Marshal(calls)
		if err != nil {
			return storeError("Save", key, fmt.Errorf("marshal tool calls: %w", err))
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			key.Agent, key.Session, i, m.Role, m.Content, m.Name, string(callsJSON),
			ts.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return storeError("Save", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("Save", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key domain.HistoryKey) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM history_messages WHERE agent = ? AND session = ?", key.Agent, key.Session,
	); err != nil {
		return storeError("Delete", key, err)
	}
	return nil
}

func storeError(op string, key domain.HistoryKey, err error) error {
	return domain.NewSubSystemError("history", "SQLiteStore."+op, fmt.Errorf("%w: %v", domain.ErrHistoryStore, err), key.String())
}

var _ domain.HistoryStore = (*SQLiteStore)(nil)
