package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend implements Backend on a single SQLite file.
// Writes are serialized, reads run concurrently (WAL mode).
type SQLiteBackend struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

var sqliteSchema = []string{
	"PRAGMA journal_mode=WAL",
	"CREATE TABLE IF NOT EXISTS generations (name TEXT PRIMARY KEY)",
	`CREATE TABLE IF NOT EXISTS entries (
		generation TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (generation, key)
	)`,
}

// NewSQLite opens (or creates) the database file. Use ":memory:" for a
// throwaway database.
func NewSQLite(dsn string) (*SQLiteBackend, error) {
	if dsn != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing sqlite schema: %w", err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Get(gen, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM entries WHERE generation = ? AND key = ?", gen, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteBackend) Set(gen, key string, value []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("INSERT OR IGNORE INTO generations (name) VALUES (?)", gen); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO entries (generation, key, value, stored_at) VALUES (?, ?, ?, ?)",
		gen, key, value, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Delete(gen, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE generation = ? AND key = ?", gen, key)
	return err
}

func (s *SQLiteBackend) Keys(gen string) ([]string, error) {
	return s.queryStrings("SELECT key FROM entries WHERE generation = ?", gen)
}

func (s *SQLiteBackend) CreateGeneration(gen string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO generations (name) VALUES (?)", gen)
	return err
}

func (s *SQLiteBackend) DeleteGeneration(gen string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", gen); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM generations WHERE name = ?", gen); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Generations() ([]string, error) {
	return s.queryStrings("SELECT name FROM generations")
}

func (s *SQLiteBackend) queryStrings(query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
