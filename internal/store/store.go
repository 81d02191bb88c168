// Package store persists the last WAN address the pipeline acted on.
//
// The record is append-only: every completed cycle adds one row, and the
// newest row is the address the change detector compares against. A single
// INSERT per cycle keeps the store either untouched or fully updated if the
// process dies mid-run.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/driftwall/internal/clock"
)

// ErrNoAddress is returned by ReadLast when no cycle has recorded an
// address yet (first run).
var ErrNoAddress = errors.New("no address recorded")

// Record is one persisted address observation.
type Record struct {
	Address    string
	RecordedAt time.Time
}

// Store is the persisted-address collaborator consumed by the pipeline.
type Store interface {
	ReadLast() (string, error)
	AppendCurrent(address string) error
	Close() error
}

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	clock clock.Clock
}

// Options configures the SQLite store.
type Options struct {
	Path  string      // Database file path (":memory:" for tests)
	Clock clock.Clock // Optional time source (defaults to RealClock)
}

// Open opens or creates the address store.
func Open(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open address store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to address store: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS addresses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			recorded_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize address store schema: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	return &SQLiteStore{db: db, clock: clk}, nil
}

// ReadLast returns the most recently recorded address.
func (s *SQLiteStore) ReadLast() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addr string
	err := s.db.QueryRow("SELECT address FROM addresses ORDER BY id DESC LIMIT 1").Scan(&addr)
	if err == sql.ErrNoRows {
		return "", ErrNoAddress
	}
	if err != nil {
		return "", err
	}
	return addr, nil
}

// AppendCurrent records the address with the current timestamp.
func (s *SQLiteStore) AppendCurrent(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO addresses (address, recorded_at) VALUES (?, ?)",
		address, s.clock.Now().UTC(),
	)
	return err
}

// History returns up to limit records, newest first.
func (s *SQLiteStore) History(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT address, recorded_at FROM addresses ORDER BY id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Address, &r.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
