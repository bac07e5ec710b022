// Package postgres implements kvstore.Backend over a single PostgreSQL
// table, so a DataFold node can run its KV tier against a managed
// database instead of the in-memory backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/datafold/datafold-node/internal/kvstore"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         5432,
		Database:     "datafold",
		Username:     "postgres",
		SSLMode:      "disable",
		Table:        "datafold_kv",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
}

// DSN returns the libpq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

func (c Config) tableName() string {
	if c.Table == "" {
		return "datafold_kv"
	}
	return c.Table
}

// Store is a PostgreSQL-backed kvstore.Backend.
type Store struct {
	db     *sql.DB
	config Config
}

// NewStore opens a PostgreSQL connection and ensures the KV table exists.
func NewStore(config Config) (*Store, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("kvstore/postgres: open: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore/postgres: ping: %w", err)
	}

	s := &Store{db: db, config: config}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore/postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        BYTEA PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.tableName()))
	return err
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE key = $1", s.config.tableName()),
		key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore/postgres: get: %w", err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		s.config.tableName()), key, value)
	if err != nil {
		return fmt.Errorf("kvstore/postgres: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.config.tableName()), key)
	if err != nil {
		return fmt.Errorf("kvstore/postgres: delete: %w", err)
	}
	return nil
}

// AtomicWrite relies on a single SQL transaction for all-or-nothing semantics.
func (s *Store) AtomicWrite(ctx context.Context, writes []kvstore.Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore/postgres: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		if len(w.Key) == 0 {
			return kvstore.ErrInvalidKey
		}
		if w.Value == nil {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.config.tableName()), w.Key); err != nil {
				return fmt.Errorf("kvstore/postgres: tx delete: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			s.config.tableName()), w.Key, w.Value); err != nil {
			return fmt.Errorf("kvstore/postgres: tx put: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) ([]kvstore.KV, error) {
	upperBound := prefixUpperBound(prefix)
	var rows *sql.Rows
	var err error
	if upperBound == nil {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT key, value FROM %s WHERE key >= $1 ORDER BY key", s.config.tableName()),
			prefix)
	} else {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT key, value FROM %s WHERE key >= $1 AND key < $2 ORDER BY key", s.config.tableName()),
			prefix, upperBound)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore/postgres: scan: %w", err)
	}
	defer rows.Close()

	var out []kvstore.KV
	for rows.Next() {
		var kv kvstore.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("kvstore/postgres: scan row: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (s *Store) Snapshot(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, err := s.Get(ctx, key)
		if err == kvstore.ErrNotFound {
			out[string(key)] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		out[string(key)] = v
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// prefixUpperBound returns the lexicographically smallest byte string
// that is greater than every string with the given prefix, or nil if
// prefix is all 0xFF bytes (meaning there is no finite upper bound).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
