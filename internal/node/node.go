// Package node implements the node orchestrator (C10): the unit that
// owns the database handle, the schema engine, the signature
// authentication core, the key rotation core, and an optional
// peer-to-peer network layer, and exposes the operation surface
// consumed by the HTTP adapter (§4.4).
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datafold/datafold-node/internal/atom"
	"github.com/datafold/datafold-node/internal/auth"
	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/dferr"
	"github.com/datafold/datafold-node/internal/keyrotation"
	"github.com/datafold/datafold-node/internal/keystore"
	"github.com/datafold/datafold-node/internal/metrics"
	"github.com/datafold/datafold-node/internal/network"
	"github.com/datafold/datafold-node/internal/pubkey"
	"github.com/datafold/datafold-node/internal/schema"
	"github.com/datafold/datafold-node/internal/transform"
)

// Config wires every collaborator the orchestrator needs. DB, Atoms,
// Schema, Keys and Rotation are required. A nil Metrics is replaced by
// a fresh registry and a nil Log by slog.Default(); a nil Auth or
// Transforms is skipped. The network is not part of Config: it is
// installed later by InitNetwork or AttachNetwork.
type Config struct {
	DB         *dbops.DB
	Atoms      *atom.Store
	Schema     *schema.Engine
	Auth       *auth.Verifier
	Keys       *pubkey.Store
	Rotation   *keyrotation.Core
	Transforms *transform.Registry
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Node is the C10 orchestrator. Per §4.4/§5's concurrency model the db
// handle sits under a blocking mutex (dbMu: writes are short) and the
// optional network sits under its own mutex (netMu: calls may await);
// no operation holds both across a blocking call.
type Node struct {
	dbMu sync.Mutex
	db   *dbops.DB

	atoms      *atom.Store
	schema     *schema.Engine
	auth       *auth.Verifier
	keys       *pubkey.Store
	rotation   *keyrotation.Core
	transforms *transform.Registry
	metrics    *metrics.Metrics
	log        *slog.Logger

	netMu sync.Mutex
	net   *network.Network

	nodeID string // immutable, persisted on first startup
}

// New wires a Node and loads (or generates and persists) its node_id.
func New(ctx context.Context, cfg Config) (*Node, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	if cfg.Auth != nil {
		cfg.Auth.SetMetrics(m)
	}

	n := &Node{
		db:         cfg.DB,
		atoms:      cfg.Atoms,
		schema:     cfg.Schema,
		auth:       cfg.Auth,
		keys:       cfg.Keys,
		rotation:   cfg.Rotation,
		transforms: cfg.Transforms,
		metrics:    m,
		log:        log,
	}

	nodeID, err := cfg.DB.GetString(ctx, dbops.KeyNodeID)
	if dbops.IsNotFound(err) {
		nodeID = uuid.NewString()
		if werr := cfg.DB.PutString(ctx, dbops.KeyNodeID, nodeID); werr != nil {
			return nil, fmt.Errorf("node: persist node_id: %w", werr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("node: load node_id: %w", err)
	}
	n.nodeID = nodeID

	return n, nil
}

// NodeID returns the immutable, persisted node identity.
func (n *Node) NodeID() string { return n.nodeID }

// Auth returns the signature verification core (C7) this node owns,
// for a caller outside this package's operation surface to verify a
// raw request against (the external HTTP adapter's job; spec §1).
func (n *Node) Auth() *auth.Verifier { return n.auth }

// Metrics returns the Prometheus registry this node's operations
// instrument, for a caller outside this package to export or scrape.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// ---- Schema surface ----

func (n *Node) ListSchemas() []*schema.Schema { return n.schema.ListLoaded() }

func (n *Node) ListAvailableSchemas() []*schema.Schema { return n.schema.ListAvailable() }

func (n *Node) ListSchemasByState(state schema.State) []*schema.Schema {
	return n.schema.ListByState(state)
}

func (n *Node) GetSchema(name string) (*schema.Schema, error) {
	s, err := n.schema.GetSchema(name)
	if err != nil {
		return nil, mapSchemaError(err)
	}
	return s, nil
}

func (n *Node) LoadSchema(ctx context.Context, s *schema.Schema) error {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	err := n.schema.LoadSchemaInternal(ctx, s)
	n.metrics.RecordSchemaLoad(err == nil)
	if err != nil {
		return dferr.Wrap(dferr.KindValidationFailed, err, "load schema failed")
	}
	return nil
}

func (n *Node) ApproveSchema(ctx context.Context, name string) error {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	if err := n.schema.Approve(ctx, name); err != nil {
		return mapSchemaError(err)
	}
	return nil
}

func (n *Node) BlockSchema(ctx context.Context, name string) error {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	if err := n.schema.Block(ctx, name); err != nil {
		return mapSchemaError(err)
	}
	return nil
}

func (n *Node) UnloadSchema(ctx context.Context, name string) error {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	if err := n.schema.Unload(ctx, name); err != nil {
		return mapSchemaError(err)
	}
	return nil
}

func (n *Node) GetSchemaState(name string) (schema.State, error) {
	for _, st := range []schema.State{schema.StateAvailable, schema.StateApproved, schema.StateBlocked} {
		for _, s := range n.schema.ListByState(st) {
			if s.Name == name {
				return st, nil
			}
		}
	}
	return "", dferr.New(dferr.KindNotFound, fmt.Sprintf("schema %q not found", name))
}

// GetSchemaStatus reports the full schema engine snapshot: no
// filesystem rescan, just the in-memory Discovered/Loaded/States view
// DiscoverAndLoadAll would otherwise have to be re-run to obtain.
func (n *Node) GetSchemaStatus() *schema.Report {
	report := &schema.Report{States: make(map[string]schema.State)}
	for _, s := range n.schema.ListAvailable() {
		report.Discovered = append(report.Discovered, s.Name)
	}
	for _, s := range n.schema.ListLoaded() {
		report.Loaded = append(report.Loaded, s.Name)
	}
	for _, st := range []schema.State{schema.StateAvailable, schema.StateApproved, schema.StateBlocked} {
		states := n.schema.ListByState(st)
		n.metrics.UpdateSchemaStateCount(string(st), float64(len(states)))
		for _, s := range states {
			report.States[s.Name] = st
		}
	}
	return report
}

// RefreshSchemas rescans the configured schema directories.
func (n *Node) RefreshSchemas(ctx context.Context, dirs ...string) (*schema.Report, error) {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	report, err := n.schema.DiscoverAndLoadAll(ctx, dirs...)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindValidationFailed, err, "schema refresh failed")
	}
	return report, nil
}

func mapSchemaError(err error) error {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return dferr.Wrap(dferr.KindNotFound, err, "schema not found")
	case errors.Is(err, schema.ErrInvalidTransition):
		return dferr.Wrap(dferr.KindValidationFailed, err, "invalid schema state transition")
	default:
		return dferr.Wrap(dferr.KindValidationFailed, err, "schema operation failed")
	}
}

// ---- Operation surface ----

// OperationKind discriminates Query vs. Mutation per §4.4.
type OperationKind string

const (
	OpQuery    OperationKind = "query"
	OpMutation OperationKind = "mutation"
)

// Operation is the tagged union execute_operation accepts.
type Operation struct {
	Kind   OperationKind
	Schema string

	// Query
	Fields []string
	Filter map[string]interface{}

	// Mutation
	Data         map[string]interface{}
	MutationType string
}

// FieldResult is one field's outcome within an operation reply: either
// a value or a per-field error, returned in stable field-order.
type FieldResult struct {
	Field string
	Value interface{}
	Err   error
}

// OperationResult is execute_operation's reply.
type OperationResult struct {
	Fields []FieldResult
}

// ExecuteOperation runs Query or Mutation per §4.4's semantics.
// Queries and mutations both require check_schema_permission == true;
// a denied schema returns a permission error without touching storage
// (a query on an unknown schema reports NotFound instead).
func (n *Node) ExecuteOperation(ctx context.Context, op Operation) (*OperationResult, error) {
	start := time.Now()
	n.metrics.OperationsInFlight.Inc()
	defer n.metrics.OperationsInFlight.Dec()

	var result *OperationResult
	var err error
	switch op.Kind {
	case OpQuery:
		result, err = n.executeQuery(ctx, op)
	case OpMutation:
		result, err = n.executeMutation(ctx, op)
	default:
		err = dferr.New(dferr.KindInvalidData, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
	n.metrics.RecordOperation(string(op.Kind), op.Schema, time.Since(start), err)
	return result, err
}

func (n *Node) executeQuery(ctx context.Context, op Operation) (*OperationResult, error) {
	start := time.Now()
	s, err := n.schema.GetSchema(op.Schema)
	if err != nil {
		n.metrics.RecordStorageOperation("atom", "read", time.Since(start), err)
		return nil, mapSchemaError(err)
	}
	if !n.schema.CheckSchemaPermission(op.Schema) {
		permErr := dferr.New(dferr.KindPermissionDenied, fmt.Sprintf("schema %q is not approved", op.Schema))
		n.metrics.RecordStorageOperation("atom", "read", time.Since(start), permErr)
		return nil, permErr
	}

	results := make([]FieldResult, 0, len(op.Fields))
	for _, field := range op.Fields {
		fd, ok := s.Fields[field]
		if !ok {
			results = append(results, FieldResult{Field: field, Err: dferr.New(dferr.KindInvalidField, fmt.Sprintf("unknown field %q", field))})
			continue
		}
		if fd.RefAtomUUID == "" {
			results = append(results, FieldResult{Field: field, Value: nil})
			continue
		}
		a, err := n.atoms.LatestForSingle(ctx, fd.RefAtomUUID)
		if err != nil {
			if errors.Is(err, atom.ErrNotFound) {
				results = append(results, FieldResult{Field: field, Value: nil})
				continue
			}
			results = append(results, FieldResult{Field: field, Err: dferr.Wrap(dferr.KindNotFound, err, "no value recorded")})
			continue
		}
		results = append(results, FieldResult{Field: field, Value: a.Content})
	}
	n.metrics.RecordStorageOperation("atom", "read", time.Since(start), nil)
	return &OperationResult{Fields: results}, nil
}

func (n *Node) executeMutation(ctx context.Context, op Operation) (*OperationResult, error) {
	start := time.Now()
	if !n.schema.CheckSchemaPermission(op.Schema) {
		permErr := dferr.New(dferr.KindPermissionDenied, fmt.Sprintf("schema %q is not approved", op.Schema))
		n.metrics.RecordStorageOperation("atom", "write", time.Since(start), permErr)
		return nil, permErr
	}

	s, err := n.schema.GetSchema(op.Schema)
	if err != nil {
		return nil, mapSchemaError(err)
	}

	n.dbMu.Lock()
	defer n.dbMu.Unlock()

	results := make([]FieldResult, 0, len(op.Data))
	for field, value := range op.Data {
		fd, ok := s.Fields[field]
		if !ok {
			results = append(results, FieldResult{Field: field, Err: dferr.New(dferr.KindInvalidField, fmt.Sprintf("unknown field %q", field))})
			continue
		}
		if fd.RefAtomUUID == "" {
			results = append(results, FieldResult{Field: field, Err: dferr.New(dferr.KindInvalidData, fmt.Sprintf("field %q has no storage binding", field))})
			continue
		}
		a, err := n.atoms.AdvanceSingle(ctx, fd.RefAtomUUID, value, n.nodeID)
		if err != nil {
			results = append(results, FieldResult{Field: field, Err: dferr.Wrap(dferr.KindInvalidData, err, "write failed")})
			continue
		}
		results = append(results, FieldResult{Field: field, Value: a.Content})

		if n.transforms != nil {
			inputField := op.Schema + "." + field
			_, terr := n.transforms.OnFieldChanged(ctx, inputField, func(f string) (interface{}, error) {
				return value, nil
			})
			n.metrics.RecordTransformRun(op.Schema, field, terr)
			if terr != nil {
				n.log.WarnContext(ctx, "node: transform dispatch failed", "field", inputField, "error", terr)
			}
		}
	}
	n.metrics.RecordStorageOperation("atom", "write", time.Since(start), nil)
	return &OperationResult{Fields: results}, nil
}

// ---- Key surface ----

func (n *Node) RegisterPublicKey(ctx context.Context, clientID string, publicKey []byte) (*pubkey.Registration, error) {
	reg, err := n.keys.Register(ctx, clientID, uuid.NewString(), publicKey)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindKeyRotationError, err, "registration failed").WithSubKind(dferr.StorageError)
	}
	return reg, nil
}

func (n *Node) RotateKey(ctx context.Context, req *keyrotation.Request) (*keyrotation.Record, error) {
	start := time.Now()
	record, err := n.rotation.Rotate(ctx, req)
	if err != nil {
		n.metrics.RecordRotation("failed", "validation_or_commit_error", time.Since(start), 0)
		return nil, mapRotationError(err)
	}
	n.metrics.RecordRotation(string(record.Status), string(record.Reason), time.Since(start), record.AssociationsUpdated)
	return record, nil
}

func (n *Node) GetRotationStatus(ctx context.Context, correlationID string) (*keyrotation.Record, error) {
	r, err := n.rotation.StatusOf(ctx, correlationID)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindNotFound, err, "rotation record not found")
	}
	return r, nil
}

func (n *Node) GetRotationHistory(ctx context.Context, publicKeyHex string, limit int) ([]*keyrotation.Record, error) {
	records, err := n.rotation.History(ctx, publicKeyHex, limit)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindKeyRotationError, err, "history query failed").WithSubKind(dferr.StorageError)
	}
	return records, nil
}

func mapRotationError(err error) error {
	switch {
	case errors.Is(err, keyrotation.ErrInvalidRotationRequest):
		return dferr.Wrap(dferr.KindKeyRotationError, err, "invalid rotation request").WithSubKind(dferr.InvalidRotationRequest)
	case errors.Is(err, keyrotation.ErrKeyNotFound):
		return dferr.Wrap(dferr.KindKeyRotationError, err, "key not found").WithSubKind(dferr.KeyNotFound)
	case errors.Is(err, keyrotation.ErrKeyAlreadyExists):
		return dferr.Wrap(dferr.KindKeyRotationError, err, "key already exists").WithSubKind(dferr.KeyAlreadyExists)
	case errors.Is(err, keyrotation.ErrTransactionFailed):
		return dferr.Wrap(dferr.KindKeyRotationError, err, "transaction failed").WithSubKind(dferr.TransactionFailed)
	default:
		return dferr.Wrap(dferr.KindKeyRotationError, err, "rotation failed").WithSubKind(dferr.StorageError)
	}
}

// ---- Network surface ----

// InitNetwork installs the network core; init_network in §4.4.
func (n *Node) InitNetwork(cfg network.Config) {
	n.netMu.Lock()
	defer n.netMu.Unlock()
	n.net = network.New(cfg)
}

// AttachNetwork installs an already-constructed network core. Unlike
// InitNetwork, the caller owns construction; this lets the same
// *network.Network be wired as keyrotation's PeerPropagator before the
// Node that will drive it even exists.
func (n *Node) AttachNetwork(net *network.Network) {
	n.netMu.Lock()
	defer n.netMu.Unlock()
	n.net = net
}

func (n *Node) StartNetwork(ctx context.Context) error {
	n.netMu.Lock()
	defer n.netMu.Unlock()
	if n.net == nil {
		return dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	return n.net.Start(ctx)
}

func (n *Node) StopNetwork(ctx context.Context) error {
	n.netMu.Lock()
	defer n.netMu.Unlock()
	if n.net == nil {
		return nil
	}
	return n.net.Stop(ctx)
}

func (n *Node) GetNetworkStatus() (network.StatusReport, error) {
	n.netMu.Lock()
	defer n.netMu.Unlock()
	if n.net == nil {
		return network.StatusReport{}, dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	status := n.net.Status()
	n.metrics.UpdatePeersConnected(float64(status.PeerCount))
	return status, nil
}

func (n *Node) DiscoverNodes(ctx context.Context) ([]network.Peer, error) {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return nil, dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	return net.DiscoverNodes(ctx)
}

func (n *Node) ConnectToNode(ctx context.Context, id string) error {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	return net.ConnectToNode(ctx, id)
}

func (n *Node) ForwardRequest(ctx context.Context, peer string, value []byte) ([]byte, error) {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return nil, dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	start := time.Now()
	resp, err := net.ForwardRequest(ctx, peer, value)
	n.metrics.RecordForward(peer, err, time.Since(start))
	return resp, err
}

func (n *Node) CheckRemoteSchemas(ctx context.Context, peer string, names []string) (map[string]bool, error) {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return nil, dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	return net.CheckRemoteSchemas(ctx, peer, names)
}

// ---- Permissions ----

func (n *Node) AddTrustedNode(peer network.Peer) error {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	net.AddTrustedNode(peer)
	return nil
}

func (n *Node) RemoveTrustedNode(id string) error {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return dferr.New(dferr.KindConfigurationError, "network not initialized")
	}
	net.RemoveTrustedNode(id)
	return nil
}

func (n *Node) GetTrustedNodes() ([]network.Peer, error) {
	n.netMu.Lock()
	net := n.net
	n.netMu.Unlock()
	if net == nil {
		return nil, nil
	}
	return net.TrustedNodes(), nil
}

// GrantSchemaPermission and RevokeSchemaPermission maintain
// schema_perm:<node_id>, the set of schema names this node currently
// exposes to peers over the network surface.
func (n *Node) GrantSchemaPermission(ctx context.Context, name string) error {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	granted, err := n.loadGrantedSchemas(ctx)
	if err != nil {
		return err
	}
	for _, g := range granted {
		if g == name {
			return nil
		}
	}
	granted = append(granted, name)
	return n.saveGrantedSchemas(ctx, granted)
}

func (n *Node) RevokeSchemaPermission(ctx context.Context, name string) error {
	n.dbMu.Lock()
	defer n.dbMu.Unlock()
	granted, err := n.loadGrantedSchemas(ctx)
	if err != nil {
		return err
	}
	out := granted[:0]
	for _, g := range granted {
		if g != name {
			out = append(out, g)
		}
	}
	return n.saveGrantedSchemas(ctx, out)
}

func (n *Node) loadGrantedSchemas(ctx context.Context) ([]string, error) {
	var granted []string
	err := n.db.GetJSON(ctx, dbops.SchemaPermKey(n.nodeID), &granted)
	if dbops.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dferr.Wrap(dferr.KindConfigurationError, err, "read schema permissions")
	}
	return granted, nil
}

func (n *Node) saveGrantedSchemas(ctx context.Context, granted []string) error {
	if err := n.db.PutJSON(ctx, dbops.SchemaPermKey(n.nodeID), granted); err != nil {
		return dferr.Wrap(dferr.KindConfigurationError, err, "write schema permissions")
	}
	return nil
}

// ---- Lifecycle ----

// Restarter performs the actual process restart; external to this
// package since "restart" means different things to a supervised
// process vs. an in-process reload.
type Restarter interface {
	Restart(ctx context.Context, soft bool) error
}

// Restart tears down and rebuilds every subsystem (hard restart). Both
// lifecycle operations require the operator passphrase to match
// passphraseHash, a bcrypt hash the caller supplies (as produced by
// keystore.HashOperatorPassphrase).
func (n *Node) Restart(ctx context.Context, passphraseHash, passphrase string, restarter Restarter) error {
	return n.lifecycle(ctx, passphraseHash, passphrase, false, restarter)
}

// SoftRestart reloads schemas/config without dropping network
// connections or in-flight operations.
func (n *Node) SoftRestart(ctx context.Context, passphraseHash, passphrase string, restarter Restarter) error {
	return n.lifecycle(ctx, passphraseHash, passphrase, true, restarter)
}

func (n *Node) lifecycle(ctx context.Context, passphraseHash, passphrase string, soft bool, restarter Restarter) error {
	if !keystore.VerifyOperatorPassphrase(passphraseHash, passphrase) {
		return dferr.New(dferr.KindAuthenticationError, "operator passphrase did not match")
	}
	if restarter == nil {
		return dferr.New(dferr.KindConfigurationError, "no restarter configured")
	}
	if err := restarter.Restart(ctx, soft); err != nil {
		return dferr.Wrap(dferr.KindConfigurationError, err, "restart failed")
	}
	return nil
}
