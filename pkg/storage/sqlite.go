// ABOUTME: SQLite store backend playing the persistent-store collaborator
// ABOUTME: Single records table, WAL pragmas, immediate transactions

package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Pragmas applied on open. WAL keeps readers off the writer's back;
// busy_timeout makes concurrent Begin calls queue instead of failing.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
);
`

// SQLite is a Store over a single-file SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file and applies the schema.
// Transactions start IMMEDIATE so concurrent writers queue on the busy
// timeout instead of failing the deferred upgrade with a snapshot error.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Begin() (Tx, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type sqliteTx struct {
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Get(key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxDone
	}
	var v []byte
	err := t.tx.QueryRow(`SELECT v FROM records WHERE k = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

func (t *sqliteTx) Set(key string, val []byte) error {
	if t.done {
		return ErrTxDone
	}
	if val == nil {
		// Index keys store no payload; a nil slice would bind as NULL.
		val = []byte{}
	}
	_, err := t.tx.Exec(
		`INSERT INTO records (k, v) VALUES (?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, val)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(key string) error {
	if t.done {
		return ErrTxDone
	}
	if _, err := t.tx.Exec(`DELETE FROM records WHERE k = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (t *sqliteTx) Scan(prefix string, fn func(key string, val []byte) bool) error {
	if t.done {
		return ErrTxDone
	}
	var rows *sql.Rows
	var err error
	if upper := scanUpper(prefix); upper != "" {
		rows, err = t.tx.Query(
			`SELECT k, v FROM records WHERE k >= ? AND k < ? ORDER BY k`, prefix, upper)
	} else {
		rows, err = t.tx.Query(
			`SELECT k, v FROM records WHERE k >= ? ORDER BY k`, prefix)
	}
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}
	// Drain before invoking the callback: callbacks issue reads on this
	// transaction, and sql.Tx serializes statements on one connection.
	type record struct {
		k string
		v []byte
	}
	var records []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.k, &r.v); err != nil {
			rows.Close()
			return err
		}
		records = append(records, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, r := range records {
		if !fn(r.k, r.v) {
			return nil
		}
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Commit()
}

func (t *sqliteTx) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
