package blockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is the subset of *pgxpool.Pool the store uses.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps blocks in a PostgreSQL table so several processes can
// share one backend.
type PostgresStore struct {
	db    pgQuerier
	close func()
}

// NewPostgresStore connects to databaseURL and creates the blocks table.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 16
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := newPostgresStore(pool, pool.Close)
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func newPostgresStore(db pgQuerier, closeFn func()) *PostgresStore {
	return &PostgresStore{db: db, close: closeFn}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS hyperdrive_blocks (
			ns   TEXT   NOT NULL,
			idx  BIGINT NOT NULL,
			data BYTEA  NOT NULL,
			PRIMARY KEY (ns, idx)
		)`)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, namespace string, index uint64, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO hyperdrive_blocks (ns, idx, data) VALUES ($1, $2, $3)
		ON CONFLICT (ns, idx) DO UPDATE SET data = EXCLUDED.data`,
		namespace, int64(index), data)
	return wrap("postgres", "put", namespace, index, err)
}

func (s *PostgresStore) Get(ctx context.Context, namespace string, index uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM hyperdrive_blocks WHERE ns = $1 AND idx = $2`,
		namespace, int64(index)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("postgres", "get", namespace, index, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("postgres", "get", namespace, index, err)
	}
	return data, nil
}

func (s *PostgresStore) Has(ctx context.Context, namespace string, index uint64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM hyperdrive_blocks WHERE ns = $1 AND idx = $2)`,
		namespace, int64(index)).Scan(&exists)
	if err != nil {
		return false, wrap("postgres", "has", namespace, index, err)
	}
	return exists, nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
