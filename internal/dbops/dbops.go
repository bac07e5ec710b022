// Package dbops is the typed facade over internal/kvstore: it owns the
// persisted key spaces described in the external interface table
// (schema:, schema_state:, ref:, atom:, transform:, pk_reg:, pk_idx:,
// rot:, node_id, schema_perm:) and handles JSON (de)serialization and
// atomic multi-key updates on behalf of the schema engine, the atom
// store, and key rotation.
package dbops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/datafold/datafold-node/internal/kvstore"
)

// Key prefixes for the persisted key spaces. Every prefix is applied
// verbatim as a byte-string prefix on top of kvstore.Backend, which is
// why they all end in a separator character.
const (
	PrefixSchema      = "schema:"
	PrefixSchemaState = "schema_state:"
	PrefixRef         = "ref:"
	PrefixAtom        = "atom:"
	PrefixTransform   = "transform:"
	PrefixPKReg       = "pk_reg:"
	PrefixPKIdx       = "pk_idx:"
	PrefixRotation    = "rot:"
	PrefixSchemaPerm  = "schema_perm:"
	PrefixAssoc       = "assoc:"

	// KeyMapFieldToTransforms is a singleton key, not prefixed.
	KeyMapFieldToTransforms = "map_field_to_transforms"
	// KeyNodeID is a singleton key, not prefixed.
	KeyNodeID = "node_id"
)

// ErrNotFound is returned when a key has no persisted value.
var ErrNotFound = kvstore.ErrNotFound

// DB is the typed facade over a kvstore.Backend.
type DB struct {
	backend kvstore.Backend
}

// New wraps a kvstore.Backend in the typed facade.
func New(backend kvstore.Backend) *DB {
	return &DB{backend: backend}
}

// Backend exposes the underlying store for components (the atom store,
// key rotation's rollback plan) that need raw byte access alongside
// the typed helpers.
func (db *DB) Backend() kvstore.Backend { return db.backend }

// GetJSON reads a key and unmarshals its value into dst.
func (db *DB) GetJSON(ctx context.Context, key string, dst interface{}) error {
	raw, err := db.backend.Get(ctx, []byte(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("dbops: unmarshal %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and writes it under key.
func (db *DB) PutJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dbops: marshal %s: %w", key, err)
	}
	return db.backend.Put(ctx, []byte(key), raw)
}

// GetString reads a key as a raw string value (used for schema_state
// and node_id, which are not JSON-wrapped).
func (db *DB) GetString(ctx context.Context, key string) (string, error) {
	raw, err := db.backend.Get(ctx, []byte(key))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PutString writes a raw string value under key.
func (db *DB) PutString(ctx context.Context, key, value string) error {
	return db.backend.Put(ctx, []byte(key), []byte(value))
}

// Delete removes a key outright.
func (db *DB) Delete(ctx context.Context, key string) error {
	return db.backend.Delete(ctx, []byte(key))
}

// ScanPrefix lists every key under prefix in key order.
func (db *DB) ScanPrefix(ctx context.Context, prefix string) ([]kvstore.KV, error) {
	return db.backend.ScanPrefix(ctx, []byte(prefix))
}

// JSONWrite is one entry of an atomic multi-key write: v marshals to
// JSON and is stored at Key, or the key is deleted if v is nil.
type JSONWrite struct {
	Key   string
	Value interface{}
}

// AtomicJSONWrite marshals every non-nil value and commits the whole
// batch through kvstore.Backend.AtomicWrite, so either every key in
// the batch changes or none does. This is the primitive that schema
// persistence and key rotation's commit step build on.
//
// A string value is written as its raw bytes rather than JSON-encoded,
// matching PutString/GetString's convention for the plain-string key
// spaces (schema_state:, node_id, pk_idx:) so a value written through
// this batch path reads back identically through GetString.
func AtomicJSONWrite(ctx context.Context, db *DB, writes []JSONWrite) error {
	raw := make([]kvstore.Write, len(writes))
	for i, w := range writes {
		switch v := w.Value.(type) {
		case nil:
			raw[i] = kvstore.Write{Key: []byte(w.Key), Value: nil}
		case string:
			raw[i] = kvstore.Write{Key: []byte(w.Key), Value: []byte(v)}
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("dbops: marshal %s: %w", w.Key, err)
			}
			raw[i] = kvstore.Write{Key: []byte(w.Key), Value: encoded}
		}
	}
	return db.backend.AtomicWrite(ctx, raw)
}

// Snapshot reads the current byte value of every key, recording nil
// for keys that don't exist. Used by key rotation to build a
// RollbackPlan before a commit that spans backends without native
// multi-key atomicity.
func (db *DB) Snapshot(ctx context.Context, keys []string) (map[string][]byte, error) {
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = []byte(k)
	}
	return db.backend.Snapshot(ctx, raw)
}

// RestoreSnapshot writes back exactly the bytes captured by Snapshot,
// deleting keys that were nil at snapshot time.
func (db *DB) RestoreSnapshot(ctx context.Context, snapshot map[string][]byte) error {
	writes := make([]kvstore.Write, 0, len(snapshot))
	for k, v := range snapshot {
		writes = append(writes, kvstore.Write{Key: []byte(k), Value: v})
	}
	return db.backend.AtomicWrite(ctx, writes)
}

// IsNotFound reports whether err represents a missing key, unwrapping
// through dbops' own wrapping as well as kvstore's.
func IsNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrNotFound)
}

// SchemaKey, SchemaStateKey, RefKey, AtomKey, TransformKey, PKRegKey,
// PKIdxKey, RotationKey and SchemaPermKey build the full persisted key
// for each prefix in the external interface table.
func SchemaKey(name string) string             { return PrefixSchema + name }
func SchemaStateKey(name string) string        { return PrefixSchemaState + name }
func RefKey(uuid string) string                { return PrefixRef + uuid }
func AtomKey(uuid string) string                { return PrefixAtom + uuid }
func TransformKey(schemaField string) string    { return PrefixTransform + schemaField }
func PKRegKey(registrationID string) string     { return PrefixPKReg + registrationID }
func PKIdxKey(clientID string) string           { return PrefixPKIdx + clientID }
func RotationKey(correlationID string) string   { return PrefixRotation + correlationID }
func SchemaPermKey(nodeID string) string        { return PrefixSchemaPerm + nodeID }
func AssocKey(publicKeyHex string) string       { return PrefixAssoc + publicKeyHex }

// FieldTransformIndex is the persisted shape of map_field_to_transforms:
// a field key ("<schema>.<field>") maps to the set of transform ids
// that consume it as an input.
type FieldTransformIndex map[string][]string

// AddFieldTransform performs the read-modify-write update described in
// 4.1.4: add transformID to the set registered under inputField,
// keeping the index idempotent under repeated registration.
func (db *DB) AddFieldTransform(ctx context.Context, inputField, transformID string) error {
	var index FieldTransformIndex
	err := db.GetJSON(ctx, KeyMapFieldToTransforms, &index)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("dbops: read %s: %w", KeyMapFieldToTransforms, err)
	}
	if index == nil {
		index = FieldTransformIndex{}
	}

	existing := index[inputField]
	for _, id := range existing {
		if id == transformID {
			return nil
		}
	}
	index[inputField] = append(existing, transformID)

	return db.PutJSON(ctx, KeyMapFieldToTransforms, index)
}

// TransformsForField returns the transform ids registered against a
// given input field, or nil if none are registered.
func (db *DB) TransformsForField(ctx context.Context, field string) ([]string, error) {
	var index FieldTransformIndex
	err := db.GetJSON(ctx, KeyMapFieldToTransforms, &index)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dbops: read %s: %w", KeyMapFieldToTransforms, err)
	}
	return index[field], nil
}
