// Package keyrotation implements the key rotation and propagation core
// (C8): validated key replacement with rollback, cache invalidation,
// association-index rewriting, and cluster-wide event propagation.
package keyrotation

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datafold/datafold-node/internal/dbops"
	"github.com/datafold/datafold-node/internal/eventbus"
	"github.com/datafold/datafold-node/internal/kms"
	"github.com/datafold/datafold-node/internal/pubkey"
)

// Status is a KeyRotationRecord's lifecycle stage.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusRolledBack Status = "RolledBack"
)

// Reason enumerates the rotation reasons the spec requires validation
// to check against.
type Reason string

const (
	ReasonScheduled   Reason = "scheduled"
	ReasonCompromised Reason = "compromised"
	ReasonManual      Reason = "manual"
	ReasonPolicy      Reason = "policy"
)

func validReason(r Reason) bool {
	switch r {
	case ReasonScheduled, ReasonCompromised, ReasonManual, ReasonPolicy:
		return true
	default:
		return false
	}
}

// Request is a KeyRotationRequest: a signed request to replace
// old_public_key with new_public_key for client_id.
type Request struct {
	ClientID     string
	OldPublicKey ed25519.PublicKey
	NewPublicKey ed25519.PublicKey
	Reason       Reason
	Force        bool
	Signature    []byte // over CanonicalPayload(), verified against OldPublicKey
}

// CanonicalPayload is the deterministic byte string the request
// signature is computed over.
func (r *Request) CanonicalPayload() []byte {
	return []byte(fmt.Sprintf("rotate:%s:%x:%x:%s", r.ClientID, r.OldPublicKey, r.NewPublicKey, r.Reason))
}

// ValidationResult carries structured errors/warnings from pre-commit
// validation (force=false lets warnings block; force=true ignores them).
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func (v ValidationResult) ok() bool { return len(v.Errors) == 0 }

// Record is the append-only KeyRotationRecord persisted under
// rot:<correlation_id>.
type Record struct {
	CorrelationID       string     `json:"correlation_id"`
	ClientID            string     `json:"client_id"`
	OldPublicKey        string     `json:"old_public_key"` // hex
	NewPublicKey        string     `json:"new_public_key"` // hex
	Reason              Reason     `json:"reason"`
	Status              Status     `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	AssociationsUpdated int        `json:"associations_updated"`
	ErrorDetails        string     `json:"error_details,omitempty"`
	PropagationStatus   string     `json:"propagation_status,omitempty"`
	Attestation         string     `json:"attestation,omitempty"` // KMS-sealed blob, hex-encoded
}

// KeyLookup is the narrow registry read contract this package needs;
// satisfied by *pubkey.Store.
type KeyLookup interface {
	ActiveForClient(ctx context.Context, clientID string) (*pubkey.Registration, error)
}

// KeyInvalidator is satisfied by *auth.Verifier: post-commit cache
// eviction for the rotated key_id.
type KeyInvalidator interface {
	InvalidateKey(keyID string)
}

// PeerPropagator forwards a KeyRotation event to every registered peer
// and reports how many acknowledged. C9 is an external contract; this
// interface is the seam keyrotation calls through, per spec.md §9's
// guidance to inject network collaborators via constructor.
type PeerPropagator interface {
	PropagateKeyRotation(ctx context.Context, event eventbus.KeyRotation) (acked int, total int, err error)
}

// Errors surfaced by pre-commit validation and commit failures,
// matching the KeyRotationError sub-kinds in spec §7.
var (
	ErrInvalidRotationRequest = errors.New("keyrotation: invalid rotation request")
	ErrKeyNotFound            = errors.New("keyrotation: key not found")
	ErrKeyAlreadyExists       = errors.New("keyrotation: key already exists")
	ErrTransactionFailed      = errors.New("keyrotation: transaction failed")
	ErrNotFound               = errors.New("keyrotation: rotation record not found")
)

// Core is the C8 key rotation and propagation core.
type Core struct {
	db          *dbops.DB
	keys        *pubkey.Store
	lookup      KeyLookup
	invalidator KeyInvalidator
	bus         *eventbus.Bus
	kms         kms.Provider // optional; nil disables attestation sealing
	kmsKeyID    string
	propagator  PeerPropagator // optional
	log         *slog.Logger

	mu           sync.Mutex // serializes commits so rollback snapshots stay consistent
	lastSnapshot map[string][]byte
}

// Config wires Core's collaborators. KMS and PeerPropagator are
// optional (nil disables their respective side effects).
type Config struct {
	DB          *dbops.DB
	Keys        *pubkey.Store
	Lookup      KeyLookup
	Invalidator KeyInvalidator
	Bus         *eventbus.Bus
	KMS         kms.Provider
	KMSKeyID    string
	Propagator  PeerPropagator
	Log         *slog.Logger
}

// New wires a Core from Config.
func New(cfg Config) *Core {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		db:          cfg.DB,
		keys:        cfg.Keys,
		lookup:      cfg.Lookup,
		invalidator: cfg.Invalidator,
		bus:         cfg.Bus,
		kms:         cfg.KMS,
		kmsKeyID:    cfg.KMSKeyID,
		propagator:  cfg.Propagator,
		log:         log,
	}
}

// Validate runs pre-commit validation (§4.3 Validation).
func (c *Core) Validate(ctx context.Context, req *Request) ValidationResult {
	var res ValidationResult

	if len(req.NewPublicKey) != ed25519.PublicKeySize {
		res.Errors = append(res.Errors, "new_public_key must be 32 bytes")
	}
	if string(req.OldPublicKey) == string(req.NewPublicKey) {
		res.Errors = append(res.Errors, "new_public_key must differ from old_public_key")
	}
	if !validReason(req.Reason) {
		res.Errors = append(res.Errors, fmt.Sprintf("unrecognized rotation reason %q", req.Reason))
	}
	if len(req.Signature) == 0 || !ed25519.Verify(req.OldPublicKey, req.CanonicalPayload(), req.Signature) {
		res.Errors = append(res.Errors, "request signature does not verify against old_public_key")
	}

	reg, err := c.lookup.ActiveForClient(ctx, req.ClientID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("old_public_key has no active registration: %v", err))
	} else if string(reg.PublicKeyBytes) != string(req.OldPublicKey) {
		res.Errors = append(res.Errors, "old_public_key does not match the active registration")
	}

	if !req.Force {
		// Too-frequent rotation is a warning, not a hard failure,
		// unless the caller opts out of force semantics.
		if recent, _ := c.recentRotation(ctx, req.ClientID); recent {
			res.Warnings = append(res.Warnings, "client rotated its key recently")
		}
	}

	return res
}

func (c *Core) recentRotation(ctx context.Context, clientID string) (bool, error) {
	history, err := c.historyByClient(ctx, clientID, 1)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}
	return time.Since(history[0].StartedAt) < time.Hour, nil
}

// Rotate runs the full pre-commit-validate → commit → post-commit
// pipeline described in §4.3.
func (c *Core) Rotate(ctx context.Context, req *Request) (*Record, error) {
	res := c.Validate(ctx, req)
	if !res.ok() || (!req.Force && len(res.Warnings) > 0) {
		return nil, fmt.Errorf("%w: errors=%v warnings=%v", ErrInvalidRotationRequest, res.Errors, res.Warnings)
	}

	correlationID := uuid.NewString()
	record := &Record{
		CorrelationID: correlationID,
		ClientID:      req.ClientID,
		OldPublicKey:  hex.EncodeToString(req.OldPublicKey),
		NewPublicKey:  hex.EncodeToString(req.NewPublicKey),
		Reason:        req.Reason,
		Status:        StatusInProgress,
		StartedAt:     time.Now().UTC(),
	}

	c.bus.Publish(ctx, eventbus.KeyRotation{
		CorrelationID: correlationID,
		Type:          eventbus.RotationStarted,
		OldKeyID:      req.ClientID,
		NewKeyID:      req.ClientID,
		Status:        string(StatusInProgress),
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.commit(ctx, req, record); err != nil {
		return c.handleCommitFailure(ctx, req, record, err)
	}

	c.postCommit(ctx, req, record)
	return record, nil
}

// commit executes the five-step atomic write described in §4.3. It
// snapshots every touched key first so a failure can roll back even on
// backends without native multi-key atomicity.
func (c *Core) commit(ctx context.Context, req *Request, record *Record) error {
	c.lastSnapshot = nil

	oldReg, err := c.lookup.ActiveForClient(ctx, req.ClientID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	newRegistrationID := uuid.NewString()
	newReg := &pubkey.Registration{
		ClientID:       req.ClientID,
		RegistrationID: newRegistrationID,
		PublicKeyBytes: req.NewPublicKey,
		Status:         pubkey.StatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	revokedOld := *oldReg
	revokedOld.Status = pubkey.StatusRevoked

	assocUpdated, assocWrites, err := c.rewriteAssociationWrites(ctx, req.OldPublicKey, req.NewPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	record.AssociationsUpdated = assocUpdated
	record.Status = StatusCompleted
	now := time.Now().UTC()
	record.CompletedAt = &now

	if c.kms != nil {
		seal := sha256.Sum256([]byte(record.CorrelationID + record.OldPublicKey + record.NewPublicKey))
		ciphertext, err := c.kms.Wrap(ctx, c.kmsKeyID, seal[:], nil)
		if err == nil {
			record.Attestation = hex.EncodeToString(ciphertext)
		} else {
			c.log.WarnContext(ctx, "keyrotation: attestation sealing failed, continuing without it", "error", err)
		}
	}

	writes := []dbops.JSONWrite{
		{Key: dbops.PKRegKey(newRegistrationID), Value: newReg},
		{Key: dbops.PKRegKey(oldReg.RegistrationID), Value: &revokedOld},
		{Key: dbops.PKIdxKey(req.ClientID), Value: newRegistrationID},
		{Key: dbops.RotationKey(record.CorrelationID), Value: record},
	}
	writes = append(writes, assocWrites...)

	snapshotKeys := make([]string, 0, len(writes))
	for _, w := range writes {
		snapshotKeys = append(snapshotKeys, w.Key)
	}
	snapshot, err := c.db.Snapshot(ctx, snapshotKeys)
	if err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrTransactionFailed, err)
	}
	c.lastSnapshot = snapshot

	if err := dbops.AtomicJSONWrite(ctx, c.db, writes); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	return nil
}

// rewriteAssociationWrites moves every association entry keyed by the
// old public key to the new one (commit step 4), adapted from the
// by-subject indexing idiom used for schema-resource associations
// elsewhere in this codebase.
func (c *Core) rewriteAssociationWrites(ctx context.Context, oldKey, newKey ed25519.PublicKey) (int, []dbops.JSONWrite, error) {
	oldHex := hex.EncodeToString(oldKey)
	newHex := hex.EncodeToString(newKey)

	var entries []string
	err := c.db.GetJSON(ctx, dbops.AssocKey(oldHex), &entries)
	if dbops.IsNotFound(err) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	writes := []dbops.JSONWrite{
		{Key: dbops.AssocKey(oldHex), Value: nil},
		{Key: dbops.AssocKey(newHex), Value: entries},
	}
	return len(entries), writes, nil
}

// handleCommitFailure attempts execute_rollback using the snapshot
// taken immediately before commit's atomic write, then records the
// terminal status.
func (c *Core) handleCommitFailure(ctx context.Context, req *Request, record *Record, commitErr error) (*Record, error) {
	record.Status = StatusFailed
	record.ErrorDetails = commitErr.Error()

	if c.lastSnapshot != nil {
		if rbErr := c.db.RestoreSnapshot(ctx, c.lastSnapshot); rbErr == nil {
			record.Status = StatusRolledBack
		} else {
			c.log.ErrorContext(ctx, "keyrotation: rollback failed", "correlation_id", record.CorrelationID, "error", rbErr)
		}
	}

	_ = c.db.PutJSON(ctx, dbops.RotationKey(record.CorrelationID), record)

	c.bus.Publish(ctx, eventbus.KeyRotation{
		CorrelationID: record.CorrelationID,
		Type:          eventbus.RotationFailed,
		OldKeyID:      req.ClientID,
		NewKeyID:      req.ClientID,
		Status:        string(record.Status),
	})

	return record, fmt.Errorf("%w: %v", ErrTransactionFailed, commitErr)
}

// postCommit runs the side effects after a successful commit: cache
// invalidation, completion event, and best-effort peer propagation.
func (c *Core) postCommit(ctx context.Context, req *Request, record *Record) {
	if c.invalidator != nil {
		c.invalidator.InvalidateKey(req.ClientID)
	}

	c.bus.Publish(ctx, eventbus.KeyRotation{
		CorrelationID: record.CorrelationID,
		Type:          eventbus.RotationCompleted,
		OldKeyID:      req.ClientID,
		NewKeyID:      req.ClientID,
		Status:        string(record.Status),
	})

	if c.propagator == nil {
		return
	}

	c.bus.Publish(ctx, eventbus.KeyRotation{
		CorrelationID: record.CorrelationID,
		Type:          eventbus.PropagationStarted,
		OldKeyID:      req.ClientID,
		NewKeyID:      req.ClientID,
	})

	acked, total, err := c.propagator.PropagateKeyRotation(ctx, eventbus.KeyRotation{
		CorrelationID: record.CorrelationID,
		Type:          eventbus.PropagationStarted,
		OldKeyID:      req.ClientID,
		NewKeyID:      req.ClientID,
	})

	eventType := eventbus.PropagationCompleted
	record.PropagationStatus = fmt.Sprintf("%d/%d acked", acked, total)
	if err != nil || acked < total {
		eventType = eventbus.PropagationFailed
		if err != nil {
			record.PropagationStatus += ": " + err.Error()
		}
	}

	// Propagation failure does not change record.Status: local
	// rotation already Completed, per §4.3 Post-commit.
	_ = c.db.PutJSON(ctx, dbops.RotationKey(record.CorrelationID), record)

	c.bus.Publish(ctx, eventbus.KeyRotation{
		CorrelationID: record.CorrelationID,
		Type:          eventType,
		OldKeyID:      req.ClientID,
		NewKeyID:      req.ClientID,
		Status:        record.PropagationStatus,
	})
}

// StatusOf returns the rotation record for a correlation id.
func (c *Core) StatusOf(ctx context.Context, correlationID string) (*Record, error) {
	var r Record
	if err := c.db.GetJSON(ctx, dbops.RotationKey(correlationID), &r); err != nil {
		if dbops.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// History returns rotation records matching publicKey (hex-encoded) as
// either the old or new key, newest first, capped at limit (0 means
// unbounded).
func (c *Core) History(ctx context.Context, publicKeyHex string, limit int) ([]*Record, error) {
	return c.scanHistory(ctx, limit, func(r *Record) bool {
		return r.OldPublicKey == publicKeyHex || r.NewPublicKey == publicKeyHex
	})
}

// historyByClient is the internal variant recentRotation needs:
// rotation records are keyed by correlation id and only carry the
// requesting client_id, not an index by client, so both queries share
// this linear scan helper.
func (c *Core) historyByClient(ctx context.Context, clientID string, limit int) ([]*Record, error) {
	return c.scanHistory(ctx, limit, func(r *Record) bool {
		return r.ClientID == clientID
	})
}

func (c *Core) scanHistory(ctx context.Context, limit int, match func(*Record) bool) ([]*Record, error) {
	kvs, err := c.db.ScanPrefix(ctx, dbops.PrefixRotation)
	if err != nil {
		return nil, err
	}

	// Records are keyed by correlation id (a random UUID), so key order
	// carries no chronological meaning: collect every match, then sort
	// by StartedAt so "newest first" and limit actually mean that.
	var out []*Record
	for _, kv := range kvs {
		var r Record
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			continue
		}
		if !match(&r) {
			continue
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Statistics summarizes rotation activity across every known record.
type Statistics struct {
	Total      int
	Completed  int
	Failed     int
	RolledBack int
}

// Statistics computes aggregate rotation counts.
func (c *Core) Statistics(ctx context.Context) (Statistics, error) {
	kvs, err := c.db.ScanPrefix(ctx, dbops.PrefixRotation)
	if err != nil {
		return Statistics{}, err
	}

	var stats Statistics
	for _, kv := range kvs {
		var r Record
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			continue
		}
		stats.Total++
		switch r.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusRolledBack:
			stats.RolledBack++
		}
	}
	return stats, nil
}
