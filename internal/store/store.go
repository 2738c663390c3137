// Package store persists clients, encrypted embeddings, metadata, and LSH
// postings in SQLite, and runs the candidate-selection query for the search
// engine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a client or embedding does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateExternalID is returned on a (client_id, external_id) collision.
	ErrDuplicateExternalID = errors.New("duplicate external_id")
	// ErrDuplicateAPIKey is returned when a client registration loses the race
	// for an api_key_hash that another registration just claimed.
	ErrDuplicateAPIKey = errors.New("duplicate api key")
	// ErrQuotaExceeded is returned when a client is at its embedding quota.
	ErrQuotaExceeded = errors.New("embedding quota exceeded")
)

const driverName = "sqlite3_securesearch"

var registerDriver sync.Once

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. An in-memory database
// can be requested with ":memory:".
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	registerDriver.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				// foreign_keys is per connection; every pooled connection
				// needs it for the ON DELETE CASCADE clauses to apply.
				if _, err := conn.Exec("PRAGMA foreign_keys=ON", nil); err != nil {
					return err
				}
				// bucket_hash64 keys the deterministic subsample applied to
				// oversized buckets during candidate selection.
				return conn.RegisterFunc("bucket_hash64", bucketHash64, true)
			},
		})
	})

	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// A second connection to :memory: would see a different database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		client_name TEXT NOT NULL,
		api_key_hash TEXT NOT NULL UNIQUE,
		he_scheme TEXT NOT NULL DEFAULT 'CKKS',
		poly_modulus_degree INTEGER NOT NULL DEFAULT 8192,
		scale INTEGER NOT NULL DEFAULT 1099511627776,
		he_public_key BLOB NOT NULL,
		embedding_dim INTEGER NOT NULL,
		num_tables INTEGER NOT NULL,
		hash_size INTEGER NOT NULL,
		num_candidates INTEGER NOT NULL,
		plane_seed INTEGER NOT NULL,
		random_planes BLOB NOT NULL,
		max_embeddings_allowed INTEGER NOT NULL DEFAULT 100000,
		total_embeddings INTEGER NOT NULL DEFAULT 0,
		total_searches INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		embedding_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
		external_id TEXT,
		ciphertext BLOB NOT NULL,
		size_bytes INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		accessed_at TIMESTAMP NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_embeddings_external
		ON embeddings(client_id, external_id) WHERE external_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_embeddings_client ON embeddings(client_id, is_deleted);

	CREATE TABLE IF NOT EXISTS embedding_metadata (
		embedding_id TEXT PRIMARY KEY REFERENCES embeddings(embedding_id) ON DELETE CASCADE,
		metadata TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lsh_postings (
		client_id TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
		table_index INTEGER NOT NULL,
		hash_value INTEGER NOT NULL,
		embedding_id TEXT NOT NULL REFERENCES embeddings(embedding_id) ON DELETE CASCADE,
		PRIMARY KEY (client_id, table_index, hash_value, embedding_id)
	);

	CREATE INDEX IF NOT EXISTS idx_postings_bucket
		ON lsh_postings(client_id, table_index, hash_value);
	CREATE INDEX IF NOT EXISTS idx_postings_embedding ON lsh_postings(embedding_id);

	CREATE TABLE IF NOT EXISTS search_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL REFERENCES clients(client_id) ON DELETE CASCADE,
		top_k INTEGER NOT NULL,
		rerank_candidates INTEGER NOT NULL,
		candidates_found INTEGER NOT NULL,
		candidates_checked INTEGER NOT NULL,
		results_returned INTEGER NOT NULL,
		lsh_time_ms REAL NOT NULL,
		he_time_ms REAL NOT NULL,
		total_time_ms REAL NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// bucketHash64 is the SQL function used to order rows inside an oversized
// bucket. FNV-1a over the embedding ID gives a stable pseudo-random order
// that is independent of insertion order.
func bucketHash64(embeddingID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(embeddingID))
	return int64(h.Sum64())
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs op, making at most three attempts with exponential backoff
// between them on connection-level errors (SQLITE_BUSY / SQLITE_LOCKED).
// Logical errors are never retried.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if s.logger != nil {
			s.logger.Warn("transient database error, retrying", zap.Error(err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(3))
	return err
}

func isTransient(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
