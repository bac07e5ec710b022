// Package vault implements kvstore.Backend over HashiCorp Vault's KV v2
// secrets engine, for nodes that want the KV tier held in the same
// secrets manager used for credential storage elsewhere in the
// deployment.
package vault

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/datafold/datafold-node/internal/kvstore"
)

// Config holds Vault connection configuration.
type Config struct {
	Address       string
	Token         string
	Namespace     string
	MountPath     string // KV v2 mount path (default: "secret")
	BasePath      string // base path for node data (default: "datafold")
	TLSCAFile     string
	TLSSkipVerify bool
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		Address:   "http://localhost:8200",
		MountPath: "secret",
		BasePath:  "datafold",
	}
}

// Store is a Vault-backed kvstore.Backend. Every kvstore key becomes a
// path under config.BasePath in the configured KV v2 mount, with the
// byte value stored base64-encoded under a single "value" field
// (Vault's KV engine stores string-keyed JSON, not raw bytes).
type Store struct {
	client *api.Client
	config Config
}

// NewStore creates a Vault-backed store.
func NewStore(config Config) (*Store, error) {
	if config.MountPath == "" {
		config.MountPath = "secret"
	}
	if config.BasePath == "" {
		config.BasePath = "datafold"
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = config.Address
	if config.TLSSkipVerify || config.TLSCAFile != "" {
		vaultConfig.HttpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: config.TLSSkipVerify},
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("kvstore/vault: create client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}

	return &Store{client: client, config: config}, nil
}

// path turns a kvstore key into a Vault KV v2 path. Keys are
// base64url-encoded so arbitrary bytes (including the ':' separators
// used by internal/dbops prefixes) survive as a single path segment.
func (s *Store) path(key []byte) string {
	return s.config.BasePath + "/" + base64.RawURLEncoding.EncodeToString(key)
}

func (s *Store) kv() *api.KVv2 {
	return s.client.KVv2(s.config.MountPath)
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	secret, err := s.kv().Get(ctx, s.path(key))
	if err != nil {
		if isNotFoundError(err) {
			return nil, kvstore.ErrNotFound
		}
		return nil, fmt.Errorf("kvstore/vault: get: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, kvstore.ErrNotFound
	}
	return decodeValue(secret.Data)
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.kv().Put(ctx, s.path(key), map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(value),
	})
	if err != nil {
		return fmt.Errorf("kvstore/vault: put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := s.kv().Delete(ctx, s.path(key)); err != nil && !isNotFoundError(err) {
		return fmt.Errorf("kvstore/vault: delete: %w", err)
	}
	return nil
}

// AtomicWrite is best-effort: Vault's KV v2 engine has no multi-path
// transaction primitive, so writes are applied in order and, on
// failure partway through, already-applied writes are rolled back
// using a pre-read snapshot. Callers that need stronger guarantees
// should prefer the memory/postgres/mysql backends for C8's commit
// path, which is why internal/keyrotation always snapshots before
// committing regardless of backend.
func (s *Store) AtomicWrite(ctx context.Context, writes []kvstore.Write) error {
	keys := make([][]byte, len(writes))
	for i, w := range writes {
		if len(w.Key) == 0 {
			return kvstore.ErrInvalidKey
		}
		keys[i] = w.Key
	}
	before, err := s.Snapshot(ctx, keys)
	if err != nil {
		return fmt.Errorf("kvstore/vault: snapshot before write: %w", err)
	}

	applied := 0
	for _, w := range writes {
		var err error
		if w.Value == nil {
			err = s.Delete(ctx, w.Key)
		} else {
			err = s.Put(ctx, w.Key, w.Value)
		}
		if err != nil {
			s.rollback(ctx, writes[:applied], before)
			return fmt.Errorf("kvstore/vault: write %d of %d failed, rolled back: %w", applied, len(writes), err)
		}
		applied++
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, applied []kvstore.Write, before map[string][]byte) {
	for _, w := range applied {
		prior := before[string(w.Key)]
		if prior == nil {
			_ = s.Delete(ctx, w.Key)
			continue
		}
		_ = s.Put(ctx, w.Key, prior)
	}
}

// ScanPrefix lists everything under config.BasePath and filters
// client-side; Vault's KV v2 list endpoint is path-hierarchical, not a
// byte-ordered range scan, so this is necessarily best-effort over a
// single-level listing.
func (s *Store) ScanPrefix(ctx context.Context, prefix []byte) ([]kvstore.KV, error) {
	listed, err := s.client.Logical().ListWithContext(ctx, s.config.MountPath+"/metadata/"+s.config.BasePath)
	if err != nil {
		return nil, fmt.Errorf("kvstore/vault: list: %w", err)
	}
	if listed == nil || listed.Data == nil {
		return nil, nil
	}
	rawKeys, _ := listed.Data["keys"].([]interface{})

	var out []kvstore.KV
	for _, rk := range rawKeys {
		name, _ := rk.(string)
		name = strings.TrimSuffix(name, "/")
		decoded, err := base64.RawURLEncoding.DecodeString(name)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(string(decoded), string(prefix)) {
			continue
		}
		value, err := s.Get(ctx, decoded)
		if err != nil {
			continue
		}
		out = append(out, kvstore.KV{Key: decoded, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
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

func (s *Store) Close() error { return nil }

func (s *Store) Healthy(ctx context.Context) bool {
	health, err := s.client.Sys().HealthWithContext(ctx)
	return err == nil && health != nil && (health.Initialized && !health.Sealed)
}

func decodeValue(data map[string]interface{}) ([]byte, error) {
	raw, ok := data["value"].(string)
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return base64.StdEncoding.DecodeString(raw)
}

func isNotFoundError(err error) bool {
	if respErr, ok := err.(*api.ResponseError); ok {
		return respErr.StatusCode == 404
	}
	return false
}
