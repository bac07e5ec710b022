// Package atom implements the content-addressed value store (C3):
// immutable Atoms, and the AtomRef/AtomRefRange pointers that field
// definitions hold to reach the current version of their data.
package atom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/datafold/datafold-node/internal/dbops"
)

// ErrNotFound is returned when an Atom or AtomRef/AtomRefRange does
// not exist under the requested uuid.
var ErrNotFound = errors.New("atom: not found")

// Atom is an immutable content version. A new Atom is written on every
// field mutation; the owning AtomRef advances to it atomically.
type Atom struct {
	UUID           string      `json:"uuid"`
	Content        interface{} `json:"content"`
	PrevVersionUUID string     `json:"prev_version_uuid,omitempty"`
	CreatedBy      string      `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Ref is the kind discriminator persisted alongside AtomRef/
// AtomRefRange so Store can tell which shape a ref:<uuid> key holds.
type Ref string

const (
	RefSingle Ref = "single"
	RefRange  Ref = "range"
)

// AtomRef points to the current Atom version for a Single field and
// carries version history (the uuids of every Atom it has pointed to,
// oldest first).
type AtomRef struct {
	Kind      Ref      `json:"kind"`
	UUID      string   `json:"uuid"`
	AtomUUID  string   `json:"atom_uuid"`
	History   []string `json:"history"`
	UpdatedBy string   `json:"updated_by"`
}

// AtomRefRange maps sub-keys to Atom uuids for a Range field.
type AtomRefRange struct {
	Kind    Ref               `json:"kind"`
	UUID    string            `json:"uuid"`
	Atoms   map[string]string `json:"atoms"`
	History map[string][]string `json:"history"`
}

// Store is the C3 entity store, a thin layer over dbops for the
// ref:<uuid> and atom:<uuid> key spaces.
type Store struct {
	db *dbops.DB
}

// New wraps a dbops facade in the atom store.
func New(db *dbops.DB) *Store {
	return &Store{db: db}
}

// NewAtom writes a fresh immutable Atom and returns it. It does not
// advance any AtomRef; callers advance the owning ref separately (or
// atomically alongside, via AdvanceSingle/AdvanceRange) so the chain
// of custody from mutation to storage stays explicit.
func (s *Store) NewAtom(ctx context.Context, content interface{}, prevVersionUUID, createdBy string) (*Atom, error) {
	a := &Atom{
		UUID:            uuid.NewString(),
		Content:         content,
		PrevVersionUUID: prevVersionUUID,
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.db.PutJSON(ctx, dbops.AtomKey(a.UUID), a); err != nil {
		return nil, fmt.Errorf("atom: persist atom %s: %w", a.UUID, err)
	}
	return a, nil
}

// GetAtom reads an Atom by uuid.
func (s *Store) GetAtom(ctx context.Context, atomUUID string) (*Atom, error) {
	var a Atom
	if err := s.db.GetJSON(ctx, dbops.AtomKey(atomUUID), &a); err != nil {
		if dbops.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("atom: read atom %s: %w", atomUUID, err)
	}
	return &a, nil
}

// CreateSingleRef creates a new, empty AtomRef under ref:<uuid>. Used
// by map_fields (4.1.3) when a Single field has no ref_atom_uuid yet.
func (s *Store) CreateSingleRef(ctx context.Context, refUUID, updatedBy string) (*AtomRef, error) {
	ref := &AtomRef{Kind: RefSingle, UUID: refUUID, UpdatedBy: updatedBy}
	if err := s.db.PutJSON(ctx, dbops.RefKey(refUUID), ref); err != nil {
		return nil, fmt.Errorf("atom: persist ref %s: %w", refUUID, err)
	}
	return ref, nil
}

// CreateRangeRef creates a new, empty AtomRefRange under ref:<uuid>.
// Used by map_fields when a Range field has no ref_atom_uuid yet.
func (s *Store) CreateRangeRef(ctx context.Context, refUUID string) (*AtomRefRange, error) {
	ref := &AtomRefRange{
		Kind:    RefRange,
		UUID:    refUUID,
		Atoms:   map[string]string{},
		History: map[string][]string{},
	}
	if err := s.db.PutJSON(ctx, dbops.RefKey(refUUID), ref); err != nil {
		return nil, fmt.Errorf("atom: persist ref range %s: %w", refUUID, err)
	}
	return ref, nil
}

// GetSingleRef reads an AtomRef by uuid.
func (s *Store) GetSingleRef(ctx context.Context, refUUID string) (*AtomRef, error) {
	var ref AtomRef
	if err := s.db.GetJSON(ctx, dbops.RefKey(refUUID), &ref); err != nil {
		if dbops.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("atom: read ref %s: %w", refUUID, err)
	}
	return &ref, nil
}

// GetRangeRef reads an AtomRefRange by uuid.
func (s *Store) GetRangeRef(ctx context.Context, refUUID string) (*AtomRefRange, error) {
	var ref AtomRefRange
	if err := s.db.GetJSON(ctx, dbops.RefKey(refUUID), &ref); err != nil {
		if dbops.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("atom: read ref range %s: %w", refUUID, err)
	}
	return &ref, nil
}

// AdvanceSingle writes a new Atom for content and atomically advances
// the owning AtomRef to point at it, appending the prior atom uuid (if
// any) to the ref's version history. This is the write path for a
// mutation against a Single field: "each field's AtomRef advances
// under a per-key atomic write in C2" (§4.4).
func (s *Store) AdvanceSingle(ctx context.Context, refUUID string, content interface{}, updatedBy string) (*Atom, error) {
	ref, err := s.GetSingleRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}

	a := &Atom{
		UUID:            uuid.NewString(),
		Content:         content,
		PrevVersionUUID: ref.AtomUUID,
		CreatedBy:       updatedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if ref.AtomUUID != "" {
		ref.History = append(ref.History, ref.AtomUUID)
	}
	ref.AtomUUID = a.UUID
	ref.UpdatedBy = updatedBy

	writes := []dbops.JSONWrite{
		{Key: dbops.AtomKey(a.UUID), Value: a},
		{Key: dbops.RefKey(refUUID), Value: ref},
	}
	if err := dbops.AtomicJSONWrite(ctx, s.db, writes); err != nil {
		return nil, fmt.Errorf("atom: advance ref %s: %w", refUUID, err)
	}
	return a, nil
}

// AdvanceRange writes a new Atom for content and atomically advances
// the AtomRefRange's mapping for subKey to point at it.
func (s *Store) AdvanceRange(ctx context.Context, refUUID, subKey string, content interface{}, updatedBy string) (*Atom, error) {
	ref, err := s.GetRangeRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}

	prev := ref.Atoms[subKey]
	a := &Atom{
		UUID:            uuid.NewString(),
		Content:         content,
		PrevVersionUUID: prev,
		CreatedBy:       updatedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if prev != "" {
		ref.History[subKey] = append(ref.History[subKey], prev)
	}
	ref.Atoms[subKey] = a.UUID

	writes := []dbops.JSONWrite{
		{Key: dbops.AtomKey(a.UUID), Value: a},
		{Key: dbops.RefKey(refUUID), Value: ref},
	}
	if err := dbops.AtomicJSONWrite(ctx, s.db, writes); err != nil {
		return nil, fmt.Errorf("atom: advance range ref %s/%s: %w", refUUID, subKey, err)
	}
	return a, nil
}

// LatestForSingle resolves a Single field's ref_atom_uuid straight to
// its current Atom, the read path used by execute_operation's Query
// handling (§4.4).
func (s *Store) LatestForSingle(ctx context.Context, refUUID string) (*Atom, error) {
	ref, err := s.GetSingleRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	if ref.AtomUUID == "" {
		return nil, ErrNotFound
	}
	return s.GetAtom(ctx, ref.AtomUUID)
}

// LatestForRange resolves a Range field's sub-key to its current Atom.
func (s *Store) LatestForRange(ctx context.Context, refUUID, subKey string) (*Atom, error) {
	ref, err := s.GetRangeRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}
	atomUUID, ok := ref.Atoms[subKey]
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetAtom(ctx, atomUUID)
}

// History returns the full version chain for a Single ref, oldest
// first, ending with the current Atom.
func (s *Store) History(ctx context.Context, refUUID string) ([]*Atom, error) {
	ref, err := s.GetSingleRef(ctx, refUUID)
	if err != nil {
		return nil, err
	}

	uuids := append(append([]string{}, ref.History...), ref.AtomUUID)
	atoms := make([]*Atom, 0, len(uuids))
	for _, u := range uuids {
		if u == "" {
			continue
		}
		a, err := s.GetAtom(ctx, u)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, a)
	}
	return atoms, nil
}
