// Package mysql implements kvstore.Backend over a single MySQL table.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/datafold/datafold-node/internal/kvstore"
)

// Config holds MySQL connection configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TLS             string        `yaml:"tls"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         3306,
		Database:     "datafold",
		Username:     "root",
		TLS:          "false",
		Table:        "datafold_kv",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
}

// DSN returns the go-sql-driver/mysql connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?tls=%s&parseTime=true",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.TLS)
}

func (c Config) tableName() string {
	if c.Table == "" {
		return "datafold_kv"
	}
	return c.Table
}

// Store is a MySQL-backed kvstore.Backend.
type Store struct {
	db     *sql.DB
	config Config
}

// NewStore opens a MySQL connection and ensures the KV table exists.
func NewStore(config Config) (*Store, error) {
	db, err := sql.Open("mysql", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("kvstore/mysql: open: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore/mysql: ping: %w", err)
	}

	s := &Store{db: db, config: config}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore/mysql: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			kkey       VARBINARY(1024) PRIMARY KEY,
			value      LONGBLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`, s.config.tableName()))
	return err
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE kkey = ?", s.config.tableName()), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore/mysql: get: %w", err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (kkey, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
		s.config.tableName()), key, value)
	if err != nil {
		return fmt.Errorf("kvstore/mysql: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE kkey = ?", s.config.tableName()), key)
	if err != nil {
		return fmt.Errorf("kvstore/mysql: delete: %w", err)
	}
	return nil
}

func (s *Store) AtomicWrite(ctx context.Context, writes []kvstore.Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore/mysql: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		if len(w.Key) == 0 {
			return kvstore.ErrInvalidKey
		}
		if w.Value == nil {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE kkey = ?", s.config.tableName()), w.Key); err != nil {
				return fmt.Errorf("kvstore/mysql: tx delete: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (kkey, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value)",
			s.config.tableName()), w.Key, w.Value); err != nil {
			return fmt.Errorf("kvstore/mysql: tx put: %w", err)
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
			fmt.Sprintf("SELECT kkey, value FROM %s WHERE kkey >= ? ORDER BY kkey", s.config.tableName()), prefix)
	} else {
		rows, err = s.db.QueryContext(ctx,
			fmt.Sprintf("SELECT kkey, value FROM %s WHERE kkey >= ? AND kkey < ? ORDER BY kkey", s.config.tableName()),
			prefix, upperBound)
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore/mysql: scan: %w", err)
	}
	defer rows.Close()

	var out []kvstore.KV
	for rows.Next() {
		var kv kvstore.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("kvstore/mysql: scan row: %w", err)
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

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Healthy(ctx context.Context) bool { return s.db.PingContext(ctx) == nil }

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
