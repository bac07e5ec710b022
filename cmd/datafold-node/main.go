// Package main is the entry point for a DataFold node.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RackSec/srslog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/datafold/datafold-node/internal/atom"
	"github.com/datafold/datafold-node/internal/auth"
	"github.com/datafold/datafold-node/internal/config"
	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/keyrotation"
	"github.com/datafold/datafold-node/internal/keystore"
	"github.com/datafold/datafold-node/internal/kms"
	kmsaws "github.com/datafold/datafold-node/internal/kms/aws"
	kmsazure "github.com/datafold/datafold-node/internal/kms/azure"
	kmsgcp "github.com/datafold/datafold-node/internal/kms/gcp"
	kmsopenbao "github.com/datafold/datafold-node/internal/kms/openbao"
	kmsvault "github.com/datafold/datafold-node/internal/kms/vault"
	"github.com/datafold/datafold-node/internal/kvstore"
	"github.com/datafold/datafold-node/internal/kvstore/cassandra"
	"github.com/datafold/datafold-node/internal/kvstore/memory"
	"github.com/datafold/datafold-node/internal/kvstore/mysql"
	"github.com/datafold/datafold-node/internal/kvstore/postgres"
	kvvault "github.com/datafold/datafold-node/internal/kvstore/vault"
	"github.com/datafold/datafold-node/internal/metrics"
	"github.com/datafold/datafold-node/internal/network"
	"github.com/datafold/datafold-node/internal/node"
	"github.com/datafold/datafold-node/internal/pubkey"
	"github.com/datafold/datafold-node/internal/schema"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const signingKeyDBKey = "node:signing_key_sealed"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "datafold-node",
		Short:         "Run a DataFold node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("datafold-node %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting datafold node",
		slog.String("version", version),
		slog.String("storage", cfg.Storage.Type),
	)

	backend, closer, err := createStorage(cfg, logger)
	if err != nil {
		logger.Error("failed to create storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if closer != nil {
			if cerr := closer(); cerr != nil {
				logger.Error("storage close error", slog.String("error", cerr.Error()))
			}
		}
	}()

	db := dbops.New(backend)
	atoms := atom.New(db)
	bus := eventbus.New(logger)
	schemaEngine := schema.New(db, atoms, bus, logger)
	keys := pubkey.New(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if report, err := schemaEngine.DiscoverAndLoadAll(ctx, cfg.Schema.Directories...); err != nil {
		logger.Error("schema discovery failed", slog.String("error", err.Error()))
	} else {
		logger.Info("schema discovery complete",
			slog.Int("loaded", len(report.Loaded)),
			slog.Int("failed", len(report.Failed)),
		)
	}

	var watchErrCh chan error
	if cfg.Schema.WatchReload {
		watchErrCh = make(chan error, 1)
		go func() {
			opts := schema.DefaultWatchOptions(cfg.Schema.Directories...)
			opts.Logger = logger
			watchErrCh <- schemaEngine.Watch(ctx, opts)
		}()
	}

	verifier := auth.NewVerifier(authConfigFrom(cfg.Auth), keys, logger)

	kmsProvider, err := createKMSProvider(ctx, cfg.Rotation.KMS)
	if err != nil {
		logger.Error("failed to create KMS provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The network core (C9), when enabled, is constructed here rather
	// than through node.InitNetwork so the same instance can be wired
	// as keyrotation's PeerPropagator before the Node exists. It needs
	// the node_id up front, so that singleton is loaded-or-created here
	// too; node.New below reads back the same persisted value.
	var netCore *network.Network
	if cfg.Network.Enabled {
		nodeID, err := loadOrCreateNodeID(ctx, db)
		if err != nil {
			logger.Error("failed to load node id", slog.String("error", err.Error()))
			os.Exit(1)
		}
		signingKey, err := loadOrCreateSigningKey(ctx, db, logger)
		if err != nil {
			logger.Error("failed to load node signing key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		netCore = network.New(network.Config{
			NodeID:      nodeID,
			SigningKey:  signingKey,
			Bus:         bus,
			CallTimeout: 10 * time.Second,
			TokenTTL:    time.Duration(cfg.Network.HandshakeTTL) * time.Second,
		})
	}

	rotationCfg := keyrotation.Config{
		DB:          db,
		Keys:        keys,
		Lookup:      keys,
		Invalidator: verifier,
		Bus:         bus,
		KMS:         kmsProvider,
		KMSKeyID:    cfg.Rotation.KMS.KeyID,
		Log:         logger,
	}
	if netCore != nil {
		rotationCfg.Propagator = netCore
	}
	rotation := keyrotation.New(rotationCfg)

	m := metrics.New()

	n, err := node.New(ctx, node.Config{
		DB:       db,
		Atoms:    atoms,
		Schema:   schemaEngine,
		Auth:     verifier,
		Keys:     keys,
		Rotation: rotation,
		Metrics:  m,
		Log:      logger,
	})
	if err != nil {
		logger.Error("failed to initialize node", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("node ready", slog.String("node_id", n.NodeID()))

	if cfg.Network.Enabled {
		n.AttachNetwork(netCore)
		if err := n.StartNetwork(ctx); err != nil {
			logger.Error("failed to start network", slog.String("error", err.Error()))
			os.Exit(1)
		}
		for _, peer := range cfg.Network.TrustedPeers {
			n.AddTrustedNode(network.Peer{ID: peer})
		}
		logger.Info("network started", slog.String("listen_addr", cfg.Network.ListenAddr))
	}

	logger.Info("datafold node running; waiting for shutdown signal")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-watchErrCh:
		if err != nil {
			logger.Error("schema watcher stopped", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Network.Enabled {
		if err := n.StopNetwork(shutdownCtx); err != nil {
			logger.Error("network shutdown error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	writers := []io.Writer{os.Stdout}

	if cfg.RotationEnabled {
		maxSize := cfg.RotationMaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.RotationMaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		maxAge := cfg.RotationMaxAgeDays
		if maxAge <= 0 {
			maxAge = 28
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.RotationPath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		})
	}

	if cfg.SyslogEnabled {
		tag := cfg.SyslogTag
		if tag == "" {
			tag = "datafold-node"
		}
		w, err := srslog.Dial(cfg.SyslogNetwork, cfg.SyslogAddress, srslog.LOG_INFO|srslog.LOG_DAEMON, tag)
		if err != nil {
			slog.Default().Warn("syslog sink unavailable", slog.String("error", err.Error()))
		} else {
			writers = append(writers, w)
		}
	}

	var out io.Writer = os.Stdout
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// createStorage selects the C1 kvstore backend named by cfg.Storage.Type
// and returns an optional close function for backends that hold a live
// connection.
func createStorage(cfg *config.Config, logger *slog.Logger) (kvstore.Backend, func() error, error) {
	switch cfg.Storage.Type {
	case "memory":
		logger.Info("using in-memory storage")
		return memory.New(), nil, nil

	case "postgresql", "postgres":
		logger.Info("connecting to PostgreSQL",
			slog.String("host", cfg.Storage.PostgreSQL.Host),
			slog.Int("port", cfg.Storage.PostgreSQL.Port),
			slog.String("database", cfg.Storage.PostgreSQL.Database),
		)
		store, err := postgres.NewStore(postgres.Config{
			Host:            cfg.Storage.PostgreSQL.Host,
			Port:            cfg.Storage.PostgreSQL.Port,
			Database:        cfg.Storage.PostgreSQL.Database,
			Username:        cfg.Storage.PostgreSQL.Username,
			Password:        cfg.Storage.PostgreSQL.Password,
			SSLMode:         cfg.Storage.PostgreSQL.SSLMode,
			Table:           cfg.Storage.PostgreSQL.Table,
			MaxOpenConns:    cfg.Storage.PostgreSQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.PostgreSQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.PostgreSQL.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "mysql":
		logger.Info("connecting to MySQL",
			slog.String("host", cfg.Storage.MySQL.Host),
			slog.Int("port", cfg.Storage.MySQL.Port),
			slog.String("database", cfg.Storage.MySQL.Database),
		)
		store, err := mysql.NewStore(mysql.Config{
			Host:            cfg.Storage.MySQL.Host,
			Port:            cfg.Storage.MySQL.Port,
			Database:        cfg.Storage.MySQL.Database,
			Username:        cfg.Storage.MySQL.Username,
			Password:        cfg.Storage.MySQL.Password,
			TLS:             cfg.Storage.MySQL.TLS,
			Table:           cfg.Storage.MySQL.Table,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetime) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "cassandra":
		logger.Info("connecting to Cassandra",
			slog.Any("hosts", cfg.Storage.Cassandra.Hosts),
			slog.String("keyspace", cfg.Storage.Cassandra.Keyspace),
		)
		store, err := cassandra.NewStore(cassandra.Config{
			Hosts:            cfg.Storage.Cassandra.Hosts,
			Keyspace:         cfg.Storage.Cassandra.Keyspace,
			Table:            cfg.Storage.Cassandra.Table,
			Username:         cfg.Storage.Cassandra.Username,
			Password:         cfg.Storage.Cassandra.Password,
			Consistency:      cfg.Storage.Cassandra.Consistency,
			ReadConsistency:  cfg.Storage.Cassandra.ReadConsistency,
			WriteConsistency: cfg.Storage.Cassandra.WriteConsistency,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "vault":
		logger.Info("connecting to Vault",
			slog.String("address", cfg.Storage.Vault.Address),
			slog.String("mount_path", cfg.Storage.Vault.MountPath),
		)
		store, err := kvvault.NewStore(kvvault.Config{
			Address:       cfg.Storage.Vault.Address,
			Token:         cfg.Storage.Vault.Token,
			Namespace:     cfg.Storage.Vault.Namespace,
			MountPath:     cfg.Storage.Vault.MountPath,
			BasePath:      cfg.Storage.Vault.BasePath,
			TLSCAFile:     cfg.Storage.Vault.TLSCAFile,
			TLSSkipVerify: cfg.Storage.Vault.TLSSkipVerify,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// authConfigFrom maps the YAML-shaped AuthConfig onto auth.Config,
// starting from the Standard profile and overriding the fields an
// operator is expected to tune per deployment.
func authConfigFrom(c config.AuthConfig) auth.Config {
	cfg := auth.DefaultConfig()
	cfg.SecurityProfile = auth.SecurityProfile(c.SecurityProfile)
	cfg.AllowedTimeWindow = time.Duration(c.AllowedTimeWindowSecs) * time.Second
	cfg.ClockSkewTolerance = time.Duration(c.ClockSkewToleranceSecs) * time.Second
	cfg.NonceTTL = time.Duration(c.NonceTTLSecs) * time.Second
	cfg.RequireUUID4Nonces = c.RequireUUID4Nonces
	cfg.RateLimit.MaxPerWindow = c.RateLimitPerWindow
	cfg.RateLimit.Window = time.Duration(c.RateLimitWindowSecs) * time.Second
	cfg.KeyCacheCapacity = c.KeyCacheCapacity
	cfg.KeyCacheTTL = time.Duration(c.KeyCacheTTLSecs) * time.Second
	return cfg
}

// createKMSProvider wires the optional rotation attestation seal's
// key-wrapping provider. A nil provider is valid: keyrotation leaves
// attestations unsealed when none is configured.
func createKMSProvider(ctx context.Context, c config.KMSConfig) (kms.Provider, error) {
	switch c.Provider {
	case "":
		return nil, nil
	case "vault":
		return kmsvault.NewProviderFromProps(c.Props)
	case "openbao":
		return kmsopenbao.NewProviderFromProps(c.Props)
	case "azure":
		return kmsazure.NewProviderFromProps(c.Props)
	case "aws":
		return kmsaws.NewProviderFromProps(ctx, c.Props)
	case "gcp":
		return kmsgcp.NewProviderFromProps(ctx, c.Props)
	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s", c.Provider)
	}
}

// loadOrCreateNodeID mirrors node.New's own node_id bootstrap so the
// network core, constructed before the Node exists, uses the same
// persisted identity.
func loadOrCreateNodeID(ctx context.Context, db *dbops.DB) (string, error) {
	nodeID, err := db.GetString(ctx, dbops.KeyNodeID)
	if dbops.IsNotFound(err) {
		nodeID = uuid.NewString()
		if werr := db.PutString(ctx, dbops.KeyNodeID, nodeID); werr != nil {
			return "", fmt.Errorf("persist node_id: %w", werr)
		}
		return nodeID, nil
	}
	if err != nil {
		return "", fmt.Errorf("load node_id: %w", err)
	}
	return nodeID, nil
}

// loadOrCreateSigningKey loads this node's own Ed25519 identity key
// (used when it acts as a client of a peer's signature core), sealed
// under DATAFOLD_NODE_KEY_PASSPHRASE. Without that env var set, a
// fresh ephemeral key is generated for this process only: the node can
// still join the network, but its peer identity will not survive a
// restart.
func loadOrCreateSigningKey(ctx context.Context, db *dbops.DB, logger *slog.Logger) (ed25519.PrivateKey, error) {
	passphrase := os.Getenv("DATAFOLD_NODE_KEY_PASSPHRASE")
	if passphrase == "" {
		logger.Warn("DATAFOLD_NODE_KEY_PASSPHRASE not set; generating an ephemeral node signing key for this run only")
		_, priv, err := keystore.GenerateSigningKey()
		return priv, err
	}

	var sealed keystore.Sealed
	err := db.GetJSON(ctx, signingKeyDBKey, &sealed)
	if dbops.IsNotFound(err) {
		_, priv, genErr := keystore.GenerateSigningKey()
		if genErr != nil {
			return nil, genErr
		}
		newSealed, sealErr := keystore.Seal(priv, passphrase)
		if sealErr != nil {
			return nil, sealErr
		}
		if putErr := db.PutJSON(ctx, signingKeyDBKey, newSealed); putErr != nil {
			return nil, putErr
		}
		logger.Info("generated and sealed new node signing key")
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sealed signing key: %w", err)
	}

	priv, err := keystore.Unseal(&sealed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unseal node signing key: %w", err)
	}
	return priv, nil
}
