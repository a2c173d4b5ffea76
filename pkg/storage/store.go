// ABOUTME: Record store abstraction consumed by every domain store
// ABOUTME: Transactional get/set/scan over opaque values keyed by string

package storage

import "errors"

var (
	// ErrClosed indicates an operation on a closed store
	ErrClosed = errors.New("storage: store closed")

	// ErrTxDone indicates use of a transaction after Commit or Abort
	ErrTxDone = errors.New("storage: transaction finished")
)

// Store is the persistence collaborator. Implementations must make a
// transaction's read-validate-write sequence atomic with respect to
// every other transaction; branch-head advancement depends on it.
type Store interface {
	Begin() (Tx, error)
	Close() error
}

// Tx is a single atomic unit of work. Scan visits keys with the given
// prefix in ascending key order and stops when the callback returns false.
type Tx interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, val []byte) error
	Delete(key string) error
	Scan(prefix string, fn func(key string, val []byte) bool) error
	Commit() error
	Abort() error
}

// View runs fn in a transaction that is always aborted.
func View(s Store, fn func(Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Abort()
	return fn(tx)
}

// Update runs fn in a transaction and commits unless fn fails.
func Update(s Store, fn func(Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// scanUpper returns the smallest key greater than every key with the
// given prefix, or "" when the prefix is empty (unbounded scan).
func scanUpper(prefix string) string {
	if prefix == "" {
		return ""
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
