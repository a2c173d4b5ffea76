// ABOUTME: In-memory store backend for tests and embedding
// ABOUTME: Single-writer transactions guarded by a mutex held Begin to Commit

package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is a map-backed Store. Transactions are serialized: Begin blocks
// until the previous transaction commits or aborts, which trivially gives
// the atomic read-validate-write the interface demands.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Begin() (Tx, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	return &memoryTx{
		store:   m,
		staged:  make(map[string][]byte),
		deleted: make(map[string]bool),
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// memoryTx buffers writes and applies them on Commit. The store mutex is
// held for the whole transaction lifetime.
type memoryTx struct {
	store   *Memory
	staged  map[string][]byte
	deleted map[string]bool
	done    bool
}

func (tx *memoryTx) Get(key string) ([]byte, bool, error) {
	if tx.done {
		return nil, false, ErrTxDone
	}
	if tx.deleted[key] {
		return nil, false, nil
	}
	if v, ok := tx.staged[key]; ok {
		return append([]byte(nil), v...), true, nil
	}
	v, ok := tx.store.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (tx *memoryTx) Set(key string, val []byte) error {
	if tx.done {
		return ErrTxDone
	}
	delete(tx.deleted, key)
	tx.staged[key] = append([]byte(nil), val...)
	return nil
}

func (tx *memoryTx) Delete(key string) error {
	if tx.done {
		return ErrTxDone
	}
	delete(tx.staged, key)
	tx.deleted[key] = true
	return nil
}

func (tx *memoryTx) Scan(prefix string, fn func(key string, val []byte) bool) error {
	if tx.done {
		return ErrTxDone
	}
	keys := make([]string, 0)
	for k := range tx.store.data {
		if strings.HasPrefix(k, prefix) && !tx.deleted[k] {
			if _, staged := tx.staged[k]; !staged {
				keys = append(keys, k)
			}
		}
	}
	for k := range tx.staged {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok, err := tx.Get(k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	for k := range tx.deleted {
		delete(tx.store.data, k)
	}
	for k, v := range tx.staged {
		tx.store.data[k] = v
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) Abort() error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memoryTx) finish() {
	tx.done = true
	tx.staged = nil
	tx.deleted = nil
	tx.store.mu.Unlock()
}
