package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trunov/webpconv/internal/cache"
)

var _ cache.Store = (*dbStorage)(nil)

// dbStorage is the Postgres backed cache.Store. The kv_store table is created
// by the goose migrations in cmd/migrate.
type dbStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbStorage{dbpool: pool}, nil
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *dbStorage) Close() {
	s.dbpool.Close()
}

func (s *dbStorage) Get(ctx context.Context, scope cache.Scope, key string, dst interface{}) (bool, error) {
	var raw []byte
	err := s.dbpool.QueryRow(ctx,
		`SELECT value FROM kv_store WHERE scope = $1 AND key = $2`,
		string(scope), key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select %s/%s: %w", scope, key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", scope, key, err)
	}
	return true, nil
}

func (s *dbStorage) Set(ctx context.Context, scope cache.Scope, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", scope, key, err)
	}
	_, err = s.dbpool.Exec(ctx, `
		INSERT INTO kv_store (scope, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope, key) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = NOW()
	`, string(scope), key, raw)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *dbStorage) Remove(ctx context.Context, scope cache.Scope, key string) error {
	_, err := s.dbpool.Exec(ctx, `DELETE FROM kv_store WHERE scope = $1 AND key = $2`, string(scope), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", scope, key, err)
	}
	return nil
}
