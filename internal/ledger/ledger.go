// Package ledger persists per-peer unread direct-message counts so they
// survive restarts. Counts live in a small SQLite database; when storage
// cannot be opened or a statement fails, the ledger degrades to
// in-memory counts for the session instead of failing the caller.
package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the durable unread ledger. The zero value is not usable;
// call Open. All methods are safe for concurrent use and each mutation
// is a single atomic read-modify-write, so an increment racing a clear
// can never lose or resurrect counts.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB        // nil when running memory-only
	mem    map[string]int // mirror of known counts, fallback on storage failure
	logger *slog.Logger
}

// Open opens (or creates) the ledger database at path. An empty path
// selects memory-only mode. Open never fails: storage problems are
// logged and the store degrades to in-memory counts.
func Open(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{mem: map[string]int{}, logger: logger.With("component", "ledger")}
	if path == "" {
		return s
	}

	db, err := openDB(path)
	if err != nil {
		s.logger.Warn("unread ledger unavailable, using in-memory counts", "path", path, "error", err)
		return s
	}
	s.db = db
	s.loadMirror()
	return s
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure ledger db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS unread (
			peer  TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create unread table: %w", err)
	}
	return db, nil
}

// loadMirror seeds the in-memory mirror from storage. Called once at
// open time, before the store is shared.
func (s *Store) loadMirror() {
	rows, err := s.db.Query(`SELECT peer, count FROM unread WHERE count > 0`)
	if err != nil {
		s.degrade("read unread counts", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var peer string
		var count int
		if err := rows.Scan(&peer, &count); err != nil {
			s.degrade("scan unread row", err)
			return
		}
		s.mem[peer] = count
	}
	if err := rows.Err(); err != nil {
		s.degrade("iterate unread rows", err)
	}
}

// degrade drops to memory-only mode after a storage failure. The mirror
// keeps serving whatever was known at that point.
func (s *Store) degrade(op string, err error) {
	s.logger.Warn("unread ledger storage failed, continuing in memory", "op", op, "error", err)
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// Get returns the current count for peer, zero if absent.
func (s *Store) Get(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem[peer]
}

// Increment bumps the count for peer by one and returns the new value.
func (s *Store) Increment(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		var count int
		err := s.db.QueryRow(`
			INSERT INTO unread (peer, count) VALUES (?, 1)
			ON CONFLICT(peer) DO UPDATE SET count = count + 1
			RETURNING count
		`, peer).Scan(&count)
		if err != nil {
			s.degrade("increment", err)
		} else {
			s.mem[peer] = count
			return count
		}
	}

	s.mem[peer]++
	return s.mem[peer]
}

// Clear resets the count for peer to zero. Idempotent.
func (s *Store) Clear(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM unread WHERE peer = ?`, peer); err != nil {
			s.degrade("clear", err)
		}
	}
	delete(s.mem, peer)
}

// All returns a snapshot of every non-zero count. Used once at
// connection-ready time to seed the UI.
func (s *Store) All() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.mem))
	for peer, count := range s.mem {
		if count > 0 {
			out[peer] = count
		}
	}
	return out
}

// Close releases the underlying database, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
