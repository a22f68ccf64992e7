// Package history persists the conversation between callers and the
// browser agent: user tasks, per-step progress messages, and final
// results, each with a monotonically increasing id so step output can be
// updated in place.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a message id has no row.
var ErrNotFound = errors.New("history: message not found")

// Message is one conversation entry.
type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a sqlite-backed message log.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// Config holds history store configuration.
type Config struct {
	// Path is the sqlite database file. Empty opens an in-memory store.
	Path   string
	Logger zerolog.Logger
}

// NewStore opens (and if needed creates) the message database.
func NewStore(cfg Config) (*Store, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// A single connection keeps the in-memory database alive and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Append records a new message and returns it with its assigned id.
func (s *Store) Append(role, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.db.Exec(
		"INSERT INTO messages (role, content, timestamp) VALUES (?, ?, ?)",
		role, content, now.Format(time.RFC3339),
	)
	if err != nil {
		return Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("failed to read message id: %w", err)
	}

	return Message{ID: id, Role: role, Content: content, Timestamp: now}, nil
}

// Update replaces the content of an existing message.
func (s *Store) Update(id int64, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE messages SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return Message{}, fmt.Errorf("failed to update message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("failed to confirm update of message %d: %w", id, err)
	}
	if n == 0 {
		return Message{}, ErrNotFound
	}
	return s.get(id)
}

// Get returns one message by id.
func (s *Store) Get(id int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id int64) (Message, error) {
	row := s.db.QueryRow("SELECT id, role, content, timestamp FROM messages WHERE id = ?", id)

	var m Message
	var ts string
	if err := row.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("failed to read message %d: %w", id, err)
	}
	m.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return m, nil
}

// All returns every message ordered by id.
func (s *Store) All() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, role, content, timestamp FROM messages ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Reset deletes every message and restarts the id sequence.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	// sqlite keeps AUTOINCREMENT state in sqlite_sequence.
	if _, err := s.db.Exec("DELETE FROM sqlite_sequence WHERE name = 'messages'"); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to reset history id sequence")
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
