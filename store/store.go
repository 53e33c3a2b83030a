// Package store implements the relational MetaStore described in spec §4.2:
// repositories, content items, snapshots, views, sync history, and the
// many-to-many links between them.
//
// Storage is modernc.org/sqlite, the teacher's own pure-Go sqlite driver
// (used elsewhere in the corpus to read rpmdb/rpmdb-adjacent formats,
// repurposed here as the embedded store itself — a better fit for spec §5's
// single-writer embedded database than the teacher's usual Postgres
// backend). Migrations run through github.com/remind101/migrate, and
// queries that need dynamic WHERE clauses are built with
// github.com/doug-martin/goqu/v8, both exactly as the teacher uses them for
// Postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/repomirror/repomirror"
)

// dialect is the shared goqu dialect wrapper used by every query-building
// file in this package.
var dialect = goqu.Dialect("sqlite3")

// Store is the MetaStore. The zero value is not usable; construct with Open.
//
// sqlite only supports one writer at a time, but readers must never block
// behind one (spec §5); in WAL mode a writer's in-progress transaction
// doesn't block readers on their own connections, so the pool is left open
// to several connections and Store instead holds writeMu across each
// transaction run through withTx, so that multi-statement write operations
// (e.g. CreateSnapshot's insert-then-link) are never interleaved with
// another such transaction. Single-statement writes run without writeMu,
// relying on sqlite's own locking and busy_timeout.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the sqlite database at dsn, runs any
// pending migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &repomirror.Error{Op: "store.Open", Kind: repomirror.ErrPoolIO, Inner: err}
	}
	// WAL mode (below) lets readers open independent connections without
	// blocking on an in-flight writer, per spec §5's "readers never block
	// on a single writer" — so the pool allows up to 10 connections
	// rather than being pinned to one; writeMu still serialises
	// multi-statement write transactions against each other.
	db.SetMaxOpenConns(10)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, &repomirror.Error{Op: "store.Open", Kind: repomirror.ErrPoolIO, Message: pragma, Inner: err}
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, &repomirror.Error{Op: "store.Open", Kind: repomirror.ErrDBConstraint, Inner: err}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a single serialisable transaction, holding writeMu
// for its duration, and commits iff fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func dbConstraintErr(op string, err error) error {
	return &repomirror.Error{Op: op, Kind: repomirror.ErrDBConstraint, Inner: err}
}
