// Package pubkey persists PublicKeyRegistration records under the
// pk_reg:/pk_idx: key spaces (C2). Both the signature authentication
// core (C7, lookups) and key rotation core (C8, writes) share this
// model, so it lives in its own package rather than under either.
package pubkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datafold/datafold-node/internal/dbops"
)

// Status is the lifecycle state of a registration.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Registration is a PublicKeyRegistration: { client_id, registration_id,
// public_key_bytes[32], status, created_at }.
type Registration struct {
	ClientID        string    `json:"client_id"`
	RegistrationID  string    `json:"registration_id"`
	PublicKeyBytes  []byte    `json:"public_key_bytes"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// ErrNotFound is returned when a registration or client index entry
// does not exist.
var ErrNotFound = errors.New("pubkey: not found")

// Store is the typed C2 facade for registrations.
type Store struct {
	db *dbops.DB
}

// New wraps a dbops facade in the pubkey store.
func New(db *dbops.DB) *Store {
	return &Store{db: db}
}

// Register writes a new active registration for clientID and points
// pk_idx:<client_id> at it. It does not revoke any prior registration
// for the client; that is key rotation's job (4.3 commit step 2/3),
// so a first-time registration and a rotation's "create new active
// registration" step both funnel through this one write path.
func (s *Store) Register(ctx context.Context, clientID, registrationID string, publicKey []byte) (*Registration, error) {
	reg := &Registration{
		ClientID:       clientID,
		RegistrationID: registrationID,
		PublicKeyBytes: publicKey,
		Status:         StatusActive,
		CreatedAt:      time.Now().UTC(),
	}
	writes := []dbops.JSONWrite{
		{Key: dbops.PKRegKey(registrationID), Value: reg},
		{Key: dbops.PKIdxKey(clientID), Value: registrationID},
	}
	if err := dbops.AtomicJSONWrite(ctx, s.db, writes); err != nil {
		return nil, fmt.Errorf("pubkey: register %s: %w", clientID, err)
	}
	return reg, nil
}

// GetByRegistrationID reads a registration by its own id.
func (s *Store) GetByRegistrationID(ctx context.Context, registrationID string) (*Registration, error) {
	var reg Registration
	if err := s.db.GetJSON(ctx, dbops.PKRegKey(registrationID), &reg); err != nil {
		if dbops.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pubkey: read %s: %w", registrationID, err)
	}
	return &reg, nil
}

// ActiveForClient resolves pk_idx:<client_id> to the active
// registration, the lookup path used by C7 step 9.
func (s *Store) ActiveForClient(ctx context.Context, clientID string) (*Registration, error) {
	registrationID, err := s.db.GetString(ctx, dbops.PKIdxKey(clientID))
	if err != nil {
		if dbops.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pubkey: read index %s: %w", clientID, err)
	}
	reg, err := s.GetByRegistrationID(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Status != StatusActive {
		return nil, ErrNotFound
	}
	return reg, nil
}

// Revoke flips a registration's status to revoked without deleting it
// (4.3's "never deleted during rotation"). Callers needing this as
// part of an atomic rotation commit should use dbops.JSONWrite
// directly against the same key instead, to batch it with the other
// rotation writes.
func (s *Store) Revoke(ctx context.Context, registrationID string) error {
	reg, err := s.GetByRegistrationID(ctx, registrationID)
	if err != nil {
		return err
	}
	reg.Status = StatusRevoked
	if err := s.db.PutJSON(ctx, dbops.PKRegKey(registrationID), reg); err != nil {
		return fmt.Errorf("pubkey: revoke %s: %w", registrationID, err)
	}
	return nil
}
