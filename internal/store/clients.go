package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client is a registered tenant: its HE context descriptor, LSH configuration,
// serialized planes, quota, and usage counters.
type Client struct {
	ClientID          uuid.UUID
	ClientName        string
	APIKeyHash        string
	HEScheme          string
	PolyModulusDegree int
	Scale             uint64
	HEPublicKey       []byte
	EmbeddingDim      int
	NumTables         int
	HashSize          int
	NumCandidates     int
	PlaneSeed         int64
	RandomPlanes      []byte
	MaxEmbeddings     int64
	TotalEmbeddings   int64
	TotalSearches     int64
	CreatedAt         time.Time
	LastActiveAt      time.Time
	IsActive          bool
}

const clientColumns = `client_id, client_name, api_key_hash, he_scheme,
	poly_modulus_degree, scale, he_public_key, embedding_dim, num_tables,
	hash_size, num_candidates, plane_seed, random_planes,
	max_embeddings_allowed, total_embeddings, total_searches, created_at,
	last_active_at, is_active`

// CreateClient inserts a new client record.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO clients (`+clientColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ClientID.String(), c.ClientName, c.APIKeyHash, c.HEScheme,
			c.PolyModulusDegree, int64(c.Scale), c.HEPublicKey, c.EmbeddingDim,
			c.NumTables, c.HashSize, c.NumCandidates, c.PlaneSeed, c.RandomPlanes,
			c.MaxEmbeddings, c.TotalEmbeddings, c.TotalSearches,
			c.CreatedAt, c.LastActiveAt, c.IsActive)
		if err != nil && isUniqueViolation(err) {
			// client_id is freshly generated, so the only unique constraint
			// this insert can trip is api_key_hash.
			return fmt.Errorf("client %s: %w", c.ClientID, ErrDuplicateAPIKey)
		}
		return err
	})
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID uuid.UUID) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID.String())
	return scanClient(row)
}

// GetClientByAPIKeyHash returns the client owning the given API key hash.
func (s *Store) GetClientByAPIKeyHash(ctx context.Context, keyHash string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE api_key_hash = ?`, keyHash)
	return scanClient(row)
}

func scanClient(row *sql.Row) (*Client, error) {
	var c Client
	var id string
	var scale int64
	err := row.Scan(&id, &c.ClientName, &c.APIKeyHash, &c.HEScheme,
		&c.PolyModulusDegree, &scale, &c.HEPublicKey, &c.EmbeddingDim,
		&c.NumTables, &c.HashSize, &c.NumCandidates, &c.PlaneSeed, &c.RandomPlanes,
		&c.MaxEmbeddings, &c.TotalEmbeddings, &c.TotalSearches,
		&c.CreatedAt, &c.LastActiveAt, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	c.ClientID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse client_id: %w", err)
	}
	c.Scale = uint64(scale)
	return &c, nil
}

// UpdateClientConfig replaces the HE context and LSH shape of a client. It
// does not check the config-conflict rule: the registry calls it with a
// changed shape only for clients without embeddings, and otherwise only to
// refresh the public key and num_candidates.
func (s *Store) UpdateClientConfig(ctx context.Context, c *Client) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE clients SET he_scheme = ?, poly_modulus_degree = ?, scale = ?,
				he_public_key = ?, embedding_dim = ?, num_tables = ?, hash_size = ?,
				num_candidates = ?, plane_seed = ?, random_planes = ?, last_active_at = ?
			WHERE client_id = ?`,
			c.HEScheme, c.PolyModulusDegree, int64(c.Scale), c.HEPublicKey,
			c.EmbeddingDim, c.NumTables, c.HashSize, c.NumCandidates,
			c.PlaneSeed, c.RandomPlanes, time.Now().UTC(), c.ClientID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return err
	})
}

// TouchClient updates last_active_at.
func (s *Store) TouchClient(ctx context.Context, clientID uuid.UUID) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE clients SET last_active_at = ? WHERE client_id = ?`,
			time.Now().UTC(), clientID.String())
		return err
	})
}

// DeactivateClient marks a client inactive. Its data is retained.
func (s *Store) DeactivateClient(ctx context.Context, clientID uuid.UUID) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE clients SET is_active = 0, last_active_at = ? WHERE client_id = ?`,
			time.Now().UTC(), clientID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return err
	})
}
