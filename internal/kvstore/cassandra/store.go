// Package cassandra implements kvstore.Backend over a single Cassandra
// table, for nodes that want the KV tier spread across a wide-column
// cluster instead of a single relational instance.
package cassandra

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"

	"github.com/datafold/datafold-node/internal/kvstore"
)

// Config holds Cassandra connection configuration.
type Config struct {
	Hosts            []string      `yaml:"hosts"`
	Keyspace         string        `yaml:"keyspace"`
	Table            string        `yaml:"table"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	Consistency      string        `yaml:"consistency"`
	ReadConsistency  string        `yaml:"read_consistency"`
	WriteConsistency string        `yaml:"write_consistency"`
	Timeout          time.Duration `yaml:"timeout"`
}

func (c Config) tableName() string {
	if c.Table == "" {
		return "datafold_kv"
	}
	return c.Table
}

// Store is a Cassandra-backed kvstore.Backend.
type Store struct {
	session *gocql.Session
	config  Config
}

// NewStore opens a Cassandra session and ensures the KV table exists.
func NewStore(config Config) (*Store, error) {
	cluster := gocql.NewCluster(config.Hosts...)
	cluster.Keyspace = config.Keyspace
	if config.Timeout > 0 {
		cluster.Timeout = config.Timeout
	}
	if config.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		}
	}
	cluster.Consistency = consistencyFromString(config.WriteConsistency, config.Consistency)

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("kvstore/cassandra: create session: %w", err)
	}

	s := &Store{session: session, config: config}
	if err := s.migrate(); err != nil {
		session.Close()
		return nil, fmt.Errorf("kvstore/cassandra: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.session.Query(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key blob PRIMARY KEY, value blob)`,
		s.config.tableName())).Exec()
}

func consistencyFromString(primary, fallback string) gocql.Consistency {
	for _, name := range []string{primary, fallback} {
		switch name {
		case "ONE":
			return gocql.One
		case "QUORUM":
			return gocql.Quorum
		case "LOCAL_QUORUM":
			return gocql.LocalQuorum
		case "ALL":
			return gocql.All
		}
	}
	return gocql.LocalQuorum
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.session.Query(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", s.config.tableName()), key).
		WithContext(ctx).Scan(&value)
	if err == gocql.ErrNotFound {
		return nil, kvstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore/cassandra: get: %w", err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	err := s.session.Query(fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?)", s.config.tableName()),
		key, value).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("kvstore/cassandra: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	err := s.session.Query(fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.config.tableName()), key).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("kvstore/cassandra: delete: %w", err)
	}
	return nil
}

// AtomicWrite uses a logged batch, which Cassandra guarantees applies
// atomically across the partitions it touches.
func (s *Store) AtomicWrite(ctx context.Context, writes []kvstore.Write) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, w := range writes {
		if len(w.Key) == 0 {
			return kvstore.ErrInvalidKey
		}
		if w.Value == nil {
			batch.Query(fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.config.tableName()), w.Key)
			continue
		}
		batch.Query(fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?)", s.config.tableName()), w.Key, w.Value)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("kvstore/cassandra: batch: %w", err)
	}
	return nil
}

// ScanPrefix has no secondary index to lean on, so it scans the full
// table and filters/sorts client-side. Acceptable for the KV tier's
// expected cardinality (schemas, refs, atoms, keys); not meant for
// high-volume OLTP workloads.
func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) ([]kvstore.KV, error) {
	iter := s.session.Query(fmt.Sprintf("SELECT key, value FROM %s", s.config.tableName())).
		WithContext(ctx).Iter()

	var out []kvstore.KV
	var key, value []byte
	for iter.Scan(&key, &value) {
		if bytes.HasPrefix(key, prefix) {
			out = append(out, kvstore.KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("kvstore/cassandra: scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
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
	s.session.Close()
	return nil
}

func (s *Store) Healthy(_ context.Context) bool {
	return !s.session.Closed()
}
