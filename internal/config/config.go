// Package config provides configuration management for a DataFold node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the full node configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Schema     SchemaConfig     `yaml:"schema"`
	Auth       AuthConfig       `yaml:"auth"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Network    NetworkConfig    `yaml:"network"`
	Logging    LoggingConfig    `yaml:"logging"`
	Operator   OperatorConfig   `yaml:"operator"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
}

// StorageConfig represents the C1 kvstore backend configuration.
type StorageConfig struct {
	Type       string           `yaml:"type"` // memory, postgresql, mysql, cassandra, vault
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Cassandra  CassandraConfig  `yaml:"cassandra"`
	Vault      VaultConfig      `yaml:"vault"`
}

// PostgreSQLConfig represents PostgreSQL connection configuration.
type PostgreSQLConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`
	Table           string `yaml:"table"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// MySQLConfig represents MySQL connection configuration.
type MySQLConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TLS             string `yaml:"tls"`
	Table           string `yaml:"table"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// CassandraConfig represents Cassandra connection configuration.
type CassandraConfig struct {
	Hosts            []string `yaml:"hosts"`
	Keyspace         string   `yaml:"keyspace"`
	Table            string   `yaml:"table"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Consistency      string   `yaml:"consistency"`
	ReadConsistency  string   `yaml:"read_consistency"`
	WriteConsistency string   `yaml:"write_consistency"`
}

// VaultConfig represents HashiCorp Vault connection configuration for
// the kvstore backend (storage.type: vault). The Vault KMS provider for
// rotation attestations is configured separately, under rotation.kms.
type VaultConfig struct {
	Address       string `yaml:"address"`
	Token         string `yaml:"token"`
	Namespace     string `yaml:"namespace"`
	MountPath     string `yaml:"mount_path"`
	BasePath      string `yaml:"base_path"`
	TLSCAFile     string `yaml:"tls_ca_file"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
}

// SchemaConfig controls the C4 schema engine's discovery.
type SchemaConfig struct {
	Directories []string `yaml:"directories"`
	WatchReload bool     `yaml:"watch_reload"`
}

// AuthConfig maps onto auth.Config (C7 signed-request verification),
// kept as a thin YAML-shaped mirror rather than embedding auth.Config
// directly, so node operators describe durations as seconds in YAML.
type AuthConfig struct {
	SecurityProfile          string `yaml:"security_profile"` // strict, standard, lenient
	AllowedTimeWindowSecs    int    `yaml:"allowed_time_window_secs"`
	ClockSkewToleranceSecs   int    `yaml:"clock_skew_tolerance_secs"`
	NonceTTLSecs             int    `yaml:"nonce_ttl_secs"`
	RequireUUID4Nonces       bool   `yaml:"require_uuid4_nonces"`
	RateLimitPerWindow       int    `yaml:"rate_limit_per_window"`
	RateLimitWindowSecs      int    `yaml:"rate_limit_window_secs"`
	KeyCacheCapacity         int    `yaml:"key_cache_capacity"`
	KeyCacheTTLSecs          int    `yaml:"key_cache_ttl_secs"`
}

// RotationConfig controls the C8 key rotation core.
type RotationConfig struct {
	RequireSignedRequest bool      `yaml:"require_signed_request"`
	HistoryRetention     int       `yaml:"history_retention"`
	KMS                  KMSConfig `yaml:"kms"`
}

// KMSConfig selects an optional key-wrapping provider for rotation
// attestation seals (SPEC_FULL.md §11's "Rotation attestation seal").
// Provider-specific settings are passed as a flat props map so every
// backend's NewProviderFromProps constructor can be driven from one
// shape without a sub-struct per cloud SDK.
type KMSConfig struct {
	Provider string            `yaml:"provider"` // "", vault, aws, azure, gcp, openbao
	KeyID    string            `yaml:"key_id"`
	Props    map[string]string `yaml:"props"`
}

// NetworkConfig controls the optional C9 peer layer.
type NetworkConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddr     string   `yaml:"listen_addr"`
	HandshakeTTL   int      `yaml:"handshake_ttl_secs"`
	TrustedPeers   []string `yaml:"trusted_peers"`
}

// LoggingConfig represents logging configuration. RotationXxx and
// SyslogXxx are optional fan-out sinks for security events (4.2's
// security_logging.*): every log record the node emits is mirrored to
// whichever of these are enabled, alongside the always-on stdout sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text

	RotationEnabled    bool   `yaml:"rotation_enabled"`
	RotationPath       string `yaml:"rotation_path"`
	RotationMaxSizeMB  int    `yaml:"rotation_max_size_mb"`
	RotationMaxBackups int    `yaml:"rotation_max_backups"`
	RotationMaxAgeDays int    `yaml:"rotation_max_age_days"`

	SyslogEnabled bool   `yaml:"syslog_enabled"`
	SyslogNetwork string `yaml:"syslog_network"` // "" (local), "tcp", "udp"
	SyslogAddress string `yaml:"syslog_address"`
	SyslogTag     string `yaml:"syslog_tag"`
}

// OperatorConfig holds the passphrase-gated lifecycle controls node.Restart/SoftRestart enforce.
type OperatorConfig struct {
	PassphraseHash string `yaml:"passphrase_hash"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8420,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Schema: SchemaConfig{
			Directories: []string{"./schemas"},
			WatchReload: true,
		},
		Auth: AuthConfig{
			SecurityProfile:        "standard",
			AllowedTimeWindowSecs:  300,
			ClockSkewToleranceSecs: 30,
			NonceTTLSecs:           600,
			RequireUUID4Nonces:     true,
			RateLimitPerWindow:     120,
			RateLimitWindowSecs:    60,
			KeyCacheCapacity:       10_000,
			KeyCacheTTLSecs:        300,
		},
		Rotation: RotationConfig{
			RequireSignedRequest: true,
			HistoryRetention:     1000,
		},
		Network: NetworkConfig{
			Enabled:      false,
			ListenAddr:   "0.0.0.0:8421",
			HandshakeTTL: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATAFOLD_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("DATAFOLD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DATAFOLD_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("DATAFOLD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("DATAFOLD_PG_HOST"); v != "" {
		c.Storage.PostgreSQL.Host = v
	}
	if v := os.Getenv("DATAFOLD_PG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Storage.PostgreSQL.Port = port
		}
	}
	if v := os.Getenv("DATAFOLD_PG_DATABASE"); v != "" {
		c.Storage.PostgreSQL.Database = v
	}
	if v := os.Getenv("DATAFOLD_PG_USER"); v != "" {
		c.Storage.PostgreSQL.Username = v
	}
	if v := os.Getenv("DATAFOLD_PG_PASSWORD"); v != "" {
		c.Storage.PostgreSQL.Password = v
	}

	if v := os.Getenv("DATAFOLD_MYSQL_HOST"); v != "" {
		c.Storage.MySQL.Host = v
	}
	if v := os.Getenv("DATAFOLD_MYSQL_PASSWORD"); v != "" {
		c.Storage.MySQL.Password = v
	}

	if v := os.Getenv("DATAFOLD_VAULT_ADDRESS"); v != "" {
		c.Storage.Vault.Address = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" && c.Storage.Vault.Token == "" {
		c.Storage.Vault.Token = v
	}
	if v := os.Getenv("DATAFOLD_VAULT_TOKEN"); v != "" {
		c.Storage.Vault.Token = v
	}

	if v := os.Getenv("DATAFOLD_NETWORK_ENABLED"); v != "" {
		c.Network.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("DATAFOLD_NETWORK_LISTEN_ADDR"); v != "" {
		c.Network.ListenAddr = v
	}

	if v := os.Getenv("DATAFOLD_OPERATOR_PASSPHRASE_HASH"); v != "" {
		c.Operator.PassphraseHash = v
	}

	if v := os.Getenv("DATAFOLD_KMS_PROVIDER"); v != "" {
		c.Rotation.KMS.Provider = v
	}
	if v := os.Getenv("DATAFOLD_KMS_KEY_ID"); v != "" {
		c.Rotation.KMS.KeyID = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validStorageTypes := map[string]bool{
		"memory":     true,
		"postgresql": true,
		"mysql":      true,
		"cassandra":  true,
		"vault":      true,
	}
	if !validStorageTypes[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	if c.Storage.Type == "vault" && c.Storage.Vault.Address == "" {
		return fmt.Errorf("vault address is required when storage.type is vault")
	}

	validProfiles := map[string]bool{"strict": true, "standard": true, "lenient": true}
	if !validProfiles[c.Auth.SecurityProfile] {
		return fmt.Errorf("invalid auth security profile: %s", c.Auth.SecurityProfile)
	}

	if len(c.Schema.Directories) == 0 {
		return fmt.Errorf("at least one schema directory must be configured")
	}

	validKMSProviders := map[string]bool{"": true, "vault": true, "aws": true, "azure": true, "gcp": true, "openbao": true}
	if !validKMSProviders[c.Rotation.KMS.Provider] {
		return fmt.Errorf("invalid rotation KMS provider: %s", c.Rotation.KMS.Provider)
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
