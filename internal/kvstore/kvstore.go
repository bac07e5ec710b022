// Package kvstore defines the ordered byte-key/value storage contract
// that every DataFold node is built on (spec component C1): atomic
// single-key writes, atomic multi-key writes, and ordered prefix scans.
// Concrete backends live in the subpackages (memory, postgres, mysql,
// cassandra, vault).
package kvstore

import (
	"context"
	"errors"
)

// Common errors returned by Backend implementations.
var (
	ErrNotFound     = errors.New("kvstore: key not found")
	ErrKeyExists    = errors.New("kvstore: key already exists")
	ErrClosed       = errors.New("kvstore: backend closed")
	ErrTxConflict   = errors.New("kvstore: transaction conflict")
	ErrInvalidKey   = errors.New("kvstore: invalid key")
)

// KV is a single key/value pair, as returned by ScanPrefix.
type KV struct {
	Key   []byte
	Value []byte
}

// Write describes a single key mutation inside an AtomicWrite batch.
// A nil Value deletes the key.
type Write struct {
	Key   []byte
	Value []byte
}

// Backend is the ordered byte-key/value store every node embeds.
// Implementations must support concurrent readers and serialize
// writers; AtomicWrite must apply all or none of its Writes.
type Backend interface {
	// Get returns ErrNotFound if key is absent.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put writes a single key, overwriting any existing value.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// AtomicWrite applies every Write in writes, all-or-nothing.
	AtomicWrite(ctx context.Context, writes []Write) error

	// ScanPrefix returns every key/value pair whose key starts with
	// prefix, in ascending byte order.
	ScanPrefix(ctx context.Context, prefix []byte) ([]KV, error)

	// Snapshot returns the current raw bytes for each of the given
	// keys (nil entries for absent keys), for building a RollbackPlan.
	Snapshot(ctx context.Context, keys [][]byte) (map[string][]byte, error)

	// Close releases backend resources.
	Close() error

	// Healthy reports whether the backend can currently serve requests.
	Healthy(ctx context.Context) bool
}
