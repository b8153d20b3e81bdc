// Package store persists Parley's tenant-scoped entities: API profiles,
// personas, sessions, and the ordered per-session message log. All state
// lives in PostgreSQL behind a single [pgxpool.Pool].
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley/internal/secrets"
)

// Sentinel errors shared by all store operations. Handlers map these to
// HTTP statuses; see internal/server.
var (
	// ErrNotFound reports that the requested entity does not exist or is
	// not visible to the caller.
	ErrNotFound = errors.New("store: not found")

	// ErrPermissionDenied reports an owner mismatch, e.g., a persona
	// referencing an API profile owned by another user.
	ErrPermissionDenied = errors.New("store: permission denied")

	// ErrConfig reports an entity whose stored configuration cannot be
	// used, e.g., an API key that no longer decrypts.
	ErrConfig = errors.New("store: configuration error")

	// ErrConflict reports a uniqueness violation, e.g., a duplicate
	// persona handle or profile name within an owner.
	ErrConflict = errors.New("store: conflict")

	// ErrInvalid reports a caller-supplied value that fails validation,
	// e.g., a malformed session id.
	ErrInvalid = errors.New("store: invalid argument")
)

// DB is the database interface used by the stores. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL-backed implementation of [ProfileStore],
// [PersonaStore] and [ConversationStore]. All operations are safe for
// concurrent use.
type Store struct {
	db  DB
	box *secrets.Box
}

// Compile-time interface checks.
var (
	_ ProfileStore      = (*Store)(nil)
	_ PersonaStore      = (*Store)(nil)
	_ ConversationStore = (*Store)(nil)
)

// New creates a Store over an existing database connection or pool. The
// caller is responsible for calling [Store.Migrate] before issuing queries.
// box encrypts API keys at rest and decrypts them in ResolveLLMConfig.
func New(db DB, box *secrets.Box) *Store {
	return &Store{db: db, box: box}
}

// Open establishes a connection pool to the PostgreSQL database at dsn,
// pings it, and runs [Store.Migrate]. Close the returned pool when done.
func Open(ctx context.Context, dsn string, box *secrets.Box) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	s := New(pool, box)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes the [Schema] DDL, creating all tables and indexes if
// they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// newID returns an 8-character lower-hex random identifier. Used for
// profiles, personas, and the suffix of session and message ids.
func newID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("store: read random: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isForeignKeyError checks whether a PostgreSQL error is a
// foreign-key violation (SQLSTATE 23503).
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
