// Package memory provides an in-memory ordered kvstore.Backend, backed
// by a B-tree so prefix scans stay ordered without a full sort on every
// call.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/datafold/datafold-node/internal/kvstore"
)

const degree = 32

// entry is the btree.Item stored for each key.
type entry struct {
	key   []byte
	value []byte
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

// Store is an in-memory kvstore.Backend. Zero value is not usable; use New.
type Store struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{tree: btree.New(degree)}
}

func (s *Store) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kvstore.ErrClosed
	}
	item := s.tree.Get(&entry{key: key})
	if item == nil {
		return nil, kvstore.ErrNotFound
	}
	return cloneBytes(item.(*entry).value), nil
}

func (s *Store) Put(_ context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvstore.ErrClosed
	}
	if len(key) == 0 {
		return kvstore.ErrInvalidKey
	}
	s.tree.ReplaceOrInsert(&entry{key: cloneBytes(key), value: cloneBytes(value)})
	return nil
}

func (s *Store) Delete(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvstore.ErrClosed
	}
	s.tree.Delete(&entry{key: key})
	return nil
}

// AtomicWrite applies every write under a single lock acquisition, so
// no reader ever observes a partial batch.
func (s *Store) AtomicWrite(_ context.Context, writes []kvstore.Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvstore.ErrClosed
	}
	for _, w := range writes {
		if len(w.Key) == 0 {
			return kvstore.ErrInvalidKey
		}
	}
	for _, w := range writes {
		if w.Value == nil {
			s.tree.Delete(&entry{key: w.Key})
			continue
		}
		s.tree.ReplaceOrInsert(&entry{key: cloneBytes(w.Key), value: cloneBytes(w.Value)})
	}
	return nil
}

func (s *Store) ScanPrefix(_ context.Context, prefix []byte) ([]kvstore.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kvstore.ErrClosed
	}

	var out []kvstore.KV
	s.tree.AscendGreaterOrEqual(&entry{key: prefix}, func(item btree.Item) bool {
		e := item.(*entry)
		if !bytes.HasPrefix(e.key, prefix) {
			return false
		}
		out = append(out, kvstore.KV{Key: cloneBytes(e.key), Value: cloneBytes(e.value)})
		return true
	})
	return out, nil
}

func (s *Store) Snapshot(_ context.Context, keys [][]byte) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kvstore.ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		item := s.tree.Get(&entry{key: key})
		if item == nil {
			out[string(key)] = nil
			continue
		}
		out[string(key)] = cloneBytes(item.(*entry).value)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = btree.New(degree)
	return nil
}

func (s *Store) Healthy(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
