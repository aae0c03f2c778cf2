package agg

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

// SQLiteStore implements the Store interface with SQLite persistence.
// It uses an embedded EphemeralStore as a cache to reduce database reads
// during active conversations.
type SQLiteStore struct {
	db        *sql.DB
	ephemeral *EphemeralStore
	// loaded tracks the sessions the cache holds in full.
	loaded map[string]bool
	mu     sync.RWMutex
	logger zerolog.Logger
}

// NewSQLiteStore creates a new SQLite-backed store.
// The path parameter can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "NewSQLiteStore: create directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "NewSQLiteStore: open database")
	}
	// an in-memory database lives per connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "NewSQLiteStore: enable WAL mode")
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "NewSQLiteStore")
	}

	return &SQLiteStore{
		db:        db,
		ephemeral: NewEphemeralStore(),
		loaded:    make(map[string]bool),
		logger:    log.Logger.With().Str("component", "store").Str("path", path).Logger(),
	}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (session_id, position)
		);

		CREATE TABLE IF NOT EXISTS usage (
			session_id TEXT PRIMARY KEY,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			cached_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cost INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
	`

	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "initSchema")
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the stored history of a session, from the cache when it has already been loaded.
func (s *SQLiteStore) Load(sessionID string) ([]chat.UIMessage, error) {
	s.mu.RLock()
	if s.loaded[sessionID] {
		defer s.mu.RUnlock()
		return s.ephemeral.Load(sessionID)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// double-check after acquiring the write lock
	if s.loaded[sessionID] {
		return s.ephemeral.Load(sessionID)
	}

	if err := s.fill(sessionID); err != nil {
		return nil, errors.Wrapf(err, "SQLiteStore.Load %s", sessionID)
	}

	return s.ephemeral.Load(sessionID)
}

// fill loads messages and usage together so the cache never holds a session without its
// accounting. Callers hold the write lock.
func (s *SQLiteStore) fill(sessionID string) error {
	msgs, err := s.loadMessages(sessionID)
	if err != nil {
		return err
	}
	usage, err := s.loadUsage(sessionID)
	if err != nil {
		return err
	}

	if len(msgs) > 0 || usage != (core.Usage{}) {
		if err := s.ephemeral.Save(sessionID, msgs, usage); err != nil {
			return err
		}
	}
	s.loaded[sessionID] = true

	s.logger.Debug().Str("session_id", sessionID).Int("messages", len(msgs)).Msg("session loaded")
	return nil
}

func (s *SQLiteStore) Usage(sessionID string) (core.Usage, error) {
	s.mu.RLock()
	if s.loaded[sessionID] {
		defer s.mu.RUnlock()
		return s.ephemeral.Usage(sessionID)
	}
	s.mu.RUnlock()

	usage, err := s.loadUsage(sessionID)
	if err != nil {
		return core.Usage{}, errors.Wrapf(err, "SQLiteStore.Usage %s", sessionID)
	}
	return usage, nil
}

// Save replaces the stored history and accumulates usage. It writes through to both SQLite and
// the cache.
func (s *SQLiteStore) Save(sessionID string, msgs []chat.UIMessage, usage core.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the cache is only written after a commit, so it must hold the previous usage first
	if !s.loaded[sessionID] {
		if err := s.fill(sessionID); err != nil {
			return errors.Wrapf(err, "SQLiteStore.Save %s", sessionID)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: clear messages")
	}

	stmt, err := tx.Prepare("INSERT INTO messages (session_id, position, message_id, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: prepare statement")
	}
	defer stmt.Close()

	for i, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrapf(err, "SQLiteStore.Save: serialize message %s", msg.ID)
		}

		if _, err := stmt.Exec(sessionID, i, msg.ID, payload); err != nil {
			return errors.Wrapf(err, "SQLiteStore.Save: insert message %s", msg.ID)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO usage (session_id, input_tokens, cached_tokens, output_tokens, reasoning_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			input_tokens = usage.input_tokens + excluded.input_tokens,
			cached_tokens = usage.cached_tokens + excluded.cached_tokens,
			output_tokens = usage.output_tokens + excluded.output_tokens,
			reasoning_tokens = usage.reasoning_tokens + excluded.reasoning_tokens,
			cost = usage.cost + excluded.cost
	`, sessionID, usage.Input, usage.Cached, usage.Output, usage.Reasoning, usage.Cost)
	if err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: upsert usage")
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (session_id, title, message_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at
	`, sessionID, sessionTitle(msgs), len(msgs), s.ephemeral.now().UnixNano())
	if err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: upsert session")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: commit")
	}

	// only update the cache after successful persistence
	if err := s.ephemeral.Save(sessionID, msgs, usage); err != nil {
		return errors.Wrap(err, "SQLiteStore.Save: update cache")
	}
	s.loaded[sessionID] = true

	return nil
}

// List reads the session index from the database, most recently saved first.
func (s *SQLiteStore) List() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT s.session_id, s.title, s.message_count, s.updated_at,
			COALESCE(u.input_tokens, 0), COALESCE(u.cached_tokens, 0), COALESCE(u.output_tokens, 0),
			COALESCE(u.reasoning_tokens, 0), COALESCE(u.cost, 0)
		FROM sessions s
		LEFT JOIN usage u ON u.session_id = s.session_id
		ORDER BY s.updated_at DESC, s.session_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "SQLiteStore.List: query sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			updated int64
		)
		err := rows.Scan(
			&sess.ID, &sess.Title, &sess.Messages, &updated,
			&sess.Usage.Input, &sess.Usage.Cached, &sess.Usage.Output, &sess.Usage.Reasoning, &sess.Usage.Cost,
		)
		if err != nil {
			return nil, errors.Wrap(err, "SQLiteStore.List: scan session")
		}
		sess.UpdatedAt = time.Unix(0, updated)
		sess.Usage.Total = sess.Usage.Input + sess.Usage.Cached + sess.Usage.Output
		out = append(out, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "SQLiteStore.List: iterate sessions")
	}

	return out, nil
}

func (s *SQLiteStore) loadMessages(sessionID string) ([]chat.UIMessage, error) {
	rows, err := s.db.Query(
		"SELECT payload FROM messages WHERE session_id = ? ORDER BY position ASC",
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "loadMessages: query messages")
	}
	defer rows.Close()

	var msgs []chat.UIMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "loadMessages: scan message")
		}

		var msg chat.UIMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, errors.Wrap(err, "loadMessages: deserialize message")
		}

		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "loadMessages: iterate messages")
	}

	return msgs, nil
}

func (s *SQLiteStore) loadUsage(sessionID string) (core.Usage, error) {
	var usage core.Usage
	err := s.db.QueryRow(`
		SELECT input_tokens, cached_tokens, output_tokens, reasoning_tokens, cost
		FROM usage
		WHERE session_id = ?
	`, sessionID).Scan(&usage.Input, &usage.Cached, &usage.Output, &usage.Reasoning, &usage.Cost)

	if errors.Is(err, sql.ErrNoRows) {
		return core.Usage{}, nil
	}

	if err != nil {
		return core.Usage{}, errors.Wrap(err, "loadUsage: query usage")
	}

	usage.Total = usage.Input + usage.Cached + usage.Output

	return usage, nil
}
