package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists transform results across processes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates or opens a SQLite database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS transforms (
		key TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		code BLOB NOT NULL,
		map BLOB
	);`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := s.db.QueryRowContext(ctx, `SELECT type, code, map FROM transforms WHERE key = ?`, key).
		Scan(&e.Type, &e.Code, &e.Map)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, e *Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transforms (key, type, code, map) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET type = excluded.type, code = excluded.code, map = excluded.map`,
		key, e.Type, e.Code, e.Map)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
