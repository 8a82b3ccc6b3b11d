package blockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// SQLiteStore keeps blocks in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS blocks (
		ns   TEXT    NOT NULL,
		idx  INTEGER NOT NULL,
		data BLOB    NOT NULL,
		PRIMARY KEY (ns, idx)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blocks table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, namespace string, index uint64, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocks (ns, idx, data) VALUES (?, ?, ?)
		 ON CONFLICT (ns, idx) DO UPDATE SET data = excluded.data`,
		namespace, int64(index), data)
	return wrap("sqlite", "put", namespace, index, err)
}

func (s *SQLiteStore) Get(ctx context.Context, namespace string, index uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blocks WHERE ns = ? AND idx = ?`, namespace, int64(index)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("sqlite", "get", namespace, index, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("sqlite", "get", namespace, index, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *SQLiteStore) Has(ctx context.Context, namespace string, index uint64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blocks WHERE ns = ? AND idx = ?)`, namespace, int64(index)).Scan(&exists)
	if err != nil {
		return false, wrap("sqlite", "has", namespace, index, err)
	}
	return exists, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
