// Package store is the durable record table for the memory lifecycle
// engine: a single-writer, multi-reader WAL-journaled SQLite file, per
// spec.md §4.1 and §5. It is the only shared resource between the three
// actors (Ingestion, Retrieval, Batch); no other in-memory or IPC coupling
// exists between them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"memoryengine/internal/engineerr"
	"memoryengine/internal/memory"
)

// Store is a handle to the memory record table. Every component receives
// an explicit *Store; there is no process-wide singleton (spec.md §9).
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// writeMu serializes transaction() entry within this process. Across
	// processes, mutual exclusion is sqlite's own file lock (busy_timeout
	// plus the retry loop below).
	writeMu sync.Mutex
}

const (
	busyTimeoutMillis = 30000
	maxBusyRetries    = 8
)

// Open creates or opens the sqlite file at path, applying the WAL pragmas
// spec.md §4.1/§5 require, and ensures the schema exists.
func Open(path string, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A WAL-journaled sqlite file supports exactly one writer connection;
	// serializing on one *sql.DB connection avoids SQLITE_BUSY storms from
	// this process while still allowing external readers to hold the WAL
	// snapshot they started with.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("store: pragma failed")
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx, letting every CRUD
// helper below run either standalone (autocommit) or inside a caller's
// explicit transaction without duplicating the SQL.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a handle scoped to a single write transaction, passed to the
// function given to Transaction. The batch engine runs exactly one
// transaction per phase (spec.md §4.6/§9).
type Tx struct {
	q   querier
	ctx context.Context
}

// withBusyRetry retries fn on SQLITE_BUSY with jittered exponential
// backoff, bounding total wait near the 30s ceiling spec.md §5 names for a
// writer that finds the file locked by another process: no new attempt
// starts once 30s have passed since the first one.
func withBusyRetry(ctx context.Context, fn func() error) error {
	backoff := 50 * time.Millisecond
	deadline := time.Now().Add(busyTimeoutMillis * time.Millisecond)
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if time.Now().After(deadline) {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", engineerr.ErrStoreLocked, err)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// Transaction runs fn in a single write transaction; on any error the
// transaction is rolled back and no observable state changes (spec.md
// §4.1's crash-mid-write requirement: readers only ever see pre- or
// post-transaction snapshots, never a partial one).
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return withBusyRetry(ctx, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		tx := &Tx{q: sqlTx, ctx: ctx}
		if err := fn(tx); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	})
}

// run executes fn as a single-operation transaction (the common case for
// the individual CRUD methods below).
func (s *Store) run(ctx context.Context, fn func(*Tx) error) error {
	return s.Transaction(ctx, fn)
}

// errRecordNotFound is returned by Get/Update when the id is absent (Delete
// of an absent id succeeds).
var errRecordNotFound = errors.New("store: record not found")

// ErrRecordNotFound is the exported sentinel for callers using errors.Is.
var ErrRecordNotFound = errRecordNotFound
