package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SQLiteStore keeps each document as one row of a key-value table.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if dataSourceName == "" {
		return nil, errors.New("sqlite store: empty data source name")
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	// a single connection keeps :memory: databases and write ordering consistent
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err = s.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS kv (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        updated_at_ms INTEGER NOT NULL DEFAULT 0
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "failed to read key %s", key)
	}
	return value, true, nil
}

// put replaces the whole value inside a transaction.
func (s *SQLiteStore) put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "failed to write key %s", key)
	}
	return errors.Wrap(tx.Commit(), "failed to commit")
}

func (s *SQLiteStore) LoadConversations(ctx context.Context) ([]Conversation, bool, error) {
	raw, found, err := s.get(ctx, ConversationsKey)
	if err != nil || !found {
		return nil, false, err
	}
	conversations, ok := decodeConversations([]byte(raw))
	return conversations, ok, nil
}

func (s *SQLiteStore) SaveConversations(ctx context.Context, conversations []Conversation) error {
	b, err := encodeConversations(conversations)
	if err != nil {
		return err
	}
	if err := s.put(ctx, ConversationsKey, string(b)); err != nil {
		return err
	}
	log.Debug().Int("conversations", len(conversations)).Int("bytes", len(b)).Msg("Saved conversations to sqlite")
	return nil
}

func (s *SQLiteStore) LoadTheme(ctx context.Context) (Theme, error) {
	raw, _, err := s.get(ctx, ThemeKey)
	if err != nil {
		return ThemeLight, err
	}
	return decodeTheme(raw), nil
}

func (s *SQLiteStore) SaveTheme(ctx context.Context, theme Theme) error {
	if _, err := ParseTheme(string(theme)); err != nil {
		return err
	}
	return s.put(ctx, ThemeKey, string(theme))
}
