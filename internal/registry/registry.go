// Package registry manages client records: registration, bearer-token
// authentication, plane generation and caching, and the config-conflict rule.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/hecodec"
	"github.com/opaque/securesearch/pkg/lsh"
)

var (
	// ErrUnauthenticated is returned when a bearer token maps to no active client.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrConfigConflict is returned when a re-initialization attempts to change
	// the HE context or LSH shape after embeddings exist.
	ErrConfigConflict = errors.New("configuration conflict")
	// ErrInvalidParams is returned for malformed initialization parameters.
	ErrInvalidParams = errors.New("invalid parameters")
)

// DefaultMaxEmbeddings is the per-client quota applied at registration.
const DefaultMaxEmbeddings = 100000

// InitParams are the client-supplied initialization parameters.
type InitParams struct {
	ClientName        string
	HEScheme          string
	PolyModulusDegree int
	Scale             uint64
	PublicKey         []byte
	EmbeddingDim      int
	LSH               lsh.Config
}

func (p InitParams) validate() error {
	switch p.HEScheme {
	case hecodec.SchemeCKKS, hecodec.SchemeMock:
	default:
		return fmt.Errorf("unsupported scheme %q", p.HEScheme)
	}
	if !hecodec.SupportedDegree(p.PolyModulusDegree) {
		return fmt.Errorf("unsupported poly_modulus_degree %d", p.PolyModulusDegree)
	}
	if p.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim %d must be positive", p.EmbeddingDim)
	}
	if len(p.PublicKey) == 0 {
		return errors.New("public_key is required")
	}
	return p.LSH.Validate()
}

// Registry is the client registry backed by the store.
type Registry struct {
	store  *store.Store
	secret []byte
	planes *planeCache
	logger *zap.Logger
}

// New creates a registry. serverSecret keys the per-client plane seeds;
// cacheSize bounds the in-process plane cache.
func New(st *store.Store, serverSecret []byte, cacheSize int, logger *zap.Logger) *Registry {
	return &Registry{
		store:  st,
		secret: serverSecret,
		planes: newPlaneCache(cacheSize),
		logger: logger,
	}
}

// HashAPIKey maps a bearer token to its stored hash.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Initialize registers the client owning apiKey, or revalidates an existing
// registration. Re-initialization with identical parameters returns the
// existing record (and therefore byte-identical planes). Changing the HE
// context or LSH shape is allowed only while the client has no embeddings;
// otherwise ErrConfigConflict.
func (r *Registry) Initialize(ctx context.Context, apiKey string, p InitParams) (*store.Client, bool, error) {
	if apiKey == "" {
		return nil, false, ErrUnauthenticated
	}
	if err := p.validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	keyHash := HashAPIKey(apiKey)
	existing, err := r.store.GetClientByAPIKeyHash(ctx, keyHash)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if existing == nil {
		client, err := r.register(ctx, keyHash, p)
		if err == nil {
			return client, true, nil
		}
		if !errors.Is(err, store.ErrDuplicateAPIKey) {
			return nil, false, err
		}
		// Lost the race to a concurrent initialize with the same token;
		// continue against the record that won.
		existing, err = r.store.GetClientByAPIKeyHash(ctx, keyHash)
		if err != nil {
			return nil, false, err
		}
	}
	if !existing.IsActive {
		return nil, false, fmt.Errorf("client %s is deactivated: %w", existing.ClientID, ErrUnauthenticated)
	}

	if sameShape(existing, p) {
		// Refresh public material if the client re-generated keys; the shape
		// and planes are untouched.
		if !bytes.Equal(existing.HEPublicKey, p.PublicKey) || existing.NumCandidates != p.LSH.NumCandidates {
			existing.HEPublicKey = p.PublicKey
			existing.NumCandidates = p.LSH.NumCandidates
			if err := r.store.UpdateClientConfig(ctx, existing); err != nil {
				return nil, false, err
			}
			r.planes.invalidate(existing.ClientID)
		}
		return existing, false, nil
	}

	if existing.TotalEmbeddings > 0 {
		return nil, false, fmt.Errorf("client %s has %d embeddings: %w",
			existing.ClientID, existing.TotalEmbeddings, ErrConfigConflict)
	}

	// Empty client: adopt the new shape and regenerate planes.
	seed := lsh.SeedFor(existing.ClientID.String(), r.secret)
	planes := lsh.Generate(seed, p.LSH.NumTables, p.LSH.HashSize, p.EmbeddingDim)

	existing.HEScheme = p.HEScheme
	existing.PolyModulusDegree = p.PolyModulusDegree
	existing.Scale = p.Scale
	existing.HEPublicKey = p.PublicKey
	existing.EmbeddingDim = p.EmbeddingDim
	existing.NumTables = p.LSH.NumTables
	existing.HashSize = p.LSH.HashSize
	existing.NumCandidates = p.LSH.NumCandidates
	existing.PlaneSeed = seed
	existing.RandomPlanes = planes.Marshal()
	if err := r.store.UpdateClientConfig(ctx, existing); err != nil {
		return nil, false, err
	}
	r.planes.invalidate(existing.ClientID)
	r.logger.Info("client reconfigured",
		zap.String("client_id", existing.ClientID.String()),
		zap.Int("embedding_dim", p.EmbeddingDim),
		zap.Int("num_tables", p.LSH.NumTables))
	return existing, false, nil
}

func (r *Registry) register(ctx context.Context, keyHash string, p InitParams) (*store.Client, error) {
	clientID := uuid.New()
	seed := lsh.SeedFor(clientID.String(), r.secret)
	planes := lsh.Generate(seed, p.LSH.NumTables, p.LSH.HashSize, p.EmbeddingDim)

	name := p.ClientName
	if name == "" {
		name = "client_" + hex.EncodeToString(clientID[:4])
	}

	now := time.Now().UTC()
	client := &store.Client{
		ClientID:          clientID,
		ClientName:        name,
		APIKeyHash:        keyHash,
		HEScheme:          p.HEScheme,
		PolyModulusDegree: p.PolyModulusDegree,
		Scale:             p.Scale,
		HEPublicKey:       p.PublicKey,
		EmbeddingDim:      p.EmbeddingDim,
		NumTables:         p.LSH.NumTables,
		HashSize:          p.LSH.HashSize,
		NumCandidates:     p.LSH.NumCandidates,
		PlaneSeed:         seed,
		RandomPlanes:      planes.Marshal(),
		MaxEmbeddings:     DefaultMaxEmbeddings,
		CreatedAt:         now,
		LastActiveAt:      now,
		IsActive:          true,
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		return nil, err
	}
	r.logger.Info("client registered",
		zap.String("client_id", clientID.String()),
		zap.Int("embedding_dim", p.EmbeddingDim),
		zap.Int("num_tables", p.LSH.NumTables),
		zap.Int("hash_size", p.LSH.HashSize))
	return client, nil
}

func sameShape(c *store.Client, p InitParams) bool {
	return c.HEScheme == p.HEScheme &&
		c.PolyModulusDegree == p.PolyModulusDegree &&
		c.Scale == p.Scale &&
		c.EmbeddingDim == p.EmbeddingDim &&
		c.NumTables == p.LSH.NumTables &&
		c.HashSize == p.LSH.HashSize
}

// Authenticate resolves a bearer token to its active client record.
func (r *Registry) Authenticate(ctx context.Context, apiKey string) (*store.Client, error) {
	if apiKey == "" {
		return nil, ErrUnauthenticated
	}
	client, err := r.store.GetClientByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	if !client.IsActive {
		return nil, fmt.Errorf("client %s is deactivated: %w", client.ClientID, ErrUnauthenticated)
	}
	return client, nil
}

// PlanesFor returns the client's planes, from the in-process cache when
// possible. When the stored blob is absent the planes are regenerated from
// the persisted seed; both paths yield identical planes.
func (r *Registry) PlanesFor(client *store.Client) (*lsh.Planes, error) {
	if p, ok := r.planes.get(client.ClientID); ok {
		return p, nil
	}

	var p *lsh.Planes
	if len(client.RandomPlanes) > 0 {
		var err error
		p, err = lsh.Unmarshal(client.RandomPlanes)
		if err != nil {
			return nil, fmt.Errorf("stored planes for client %s: %w", client.ClientID, err)
		}
	} else {
		p = lsh.Generate(client.PlaneSeed, client.NumTables, client.HashSize, client.EmbeddingDim)
	}

	r.planes.put(client.ClientID, p)
	return p, nil
}

// Deactivate marks the client inactive and drops its cached planes.
func (r *Registry) Deactivate(ctx context.Context, clientID uuid.UUID) error {
	if err := r.store.DeactivateClient(ctx, clientID); err != nil {
		return err
	}
	r.planes.invalidate(clientID)
	r.logger.Info("client deactivated", zap.String("client_id", clientID.String()))
	return nil
}
