package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/hecodec"
	"github.com/opaque/securesearch/pkg/lsh"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, []byte("test-server-secret"), 16, zap.NewNop()), st
}

func testParams() InitParams {
	return InitParams{
		ClientName:        "test",
		HEScheme:          hecodec.SchemeMock,
		PolyModulusDegree: 8192,
		Scale:             1 << 40,
		PublicKey:         []byte("public-context"),
		EmbeddingDim:      32,
		LSH: lsh.Config{
			NumTables:     4,
			HashSize:      10,
			EmbeddingDim:  32,
			NumCandidates: 50,
		},
	}
}

func TestInitializeRegistersClient(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	client, created, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, uuid.Nil, client.ClientID)
	assert.NotEmpty(t, client.RandomPlanes)
	assert.Equal(t, HashAPIKey("api-key-1"), client.APIKeyHash)

	planes, err := lsh.Unmarshal(client.RandomPlanes)
	require.NoError(t, err)
	assert.Equal(t, 4, planes.NumTables())
	assert.Equal(t, 10, planes.HashSize())
	assert.Equal(t, 32, planes.Dim())
}

func TestInitializeIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, created, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, first.RandomPlanes, second.RandomPlanes,
		"re-initialization with identical parameters yields the same plane bytes")
}

func TestInitializeDistinctClientsGetDistinctPlanes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	a, _, err := reg.Initialize(ctx, "api-key-a", testParams())
	require.NoError(t, err)
	b, _, err := reg.Initialize(ctx, "api-key-b", testParams())
	require.NoError(t, err)

	assert.NotEqual(t, a.ClientID, b.ClientID)
	assert.NotEqual(t, a.RandomPlanes, b.RandomPlanes)
}

func TestInitializeReshapeEmptyClient(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, _, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)

	p := testParams()
	p.EmbeddingDim = 64
	p.LSH.EmbeddingDim = 64
	second, created, err := reg.Initialize(ctx, "api-key-1", p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, 64, second.EmbeddingDim)
	assert.NotEqual(t, first.RandomPlanes, second.RandomPlanes)
}

func TestInitializeConfigConflict(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()

	client, _, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)

	_, err = st.InsertEmbedding(ctx, client.ClientID, []byte("ct"), nil, "", []uint32{1, 2, 3, 4})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*InitParams)
	}{
		{"dimension", func(p *InitParams) { p.EmbeddingDim = 64; p.LSH.EmbeddingDim = 64 }},
		{"num tables", func(p *InitParams) { p.LSH.NumTables = 8 }},
		{"hash size", func(p *InitParams) { p.LSH.HashSize = 12 }},
		{"scheme", func(p *InitParams) {
			p.HEScheme = hecodec.SchemeCKKS
		}},
		{"degree", func(p *InitParams) { p.PolyModulusDegree = 16384 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			_, _, err := reg.Initialize(ctx, "api-key-1", p)
			assert.ErrorIs(t, err, ErrConfigConflict)
		})
	}

	// Identical parameters still work with embeddings present.
	_, _, err = reg.Initialize(ctx, "api-key-1", testParams())
	assert.NoError(t, err)

	// num_candidates is a query budget, not shape; changing it is allowed.
	p := testParams()
	p.LSH.NumCandidates = 200
	updated, _, err := reg.Initialize(ctx, "api-key-1", p)
	require.NoError(t, err)
	assert.Equal(t, 200, updated.NumCandidates)
}

func TestInitializeValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*InitParams)
	}{
		{"bad scheme", func(p *InitParams) { p.HEScheme = "BFV" }},
		{"bad degree", func(p *InitParams) { p.PolyModulusDegree = 1000 }},
		{"zero dim", func(p *InitParams) { p.EmbeddingDim = 0 }},
		{"missing public key", func(p *InitParams) { p.PublicKey = nil }},
		{"bad lsh", func(p *InitParams) { p.LSH.NumTables = 99 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			_, _, err := reg.Initialize(ctx, "key", p)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}

	_, _, err := reg.Initialize(ctx, "", testParams())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	client, _, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)

	got, err := reg.Authenticate(ctx, "api-key-1")
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)

	_, err = reg.Authenticate(ctx, "wrong-key")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = reg.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, reg.Deactivate(ctx, client.ClientID))
	_, err = reg.Authenticate(ctx, "api-key-1")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestPlanesForMatchesStoredAndRegenerated(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	client, _, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)

	fromBlob, err := reg.PlanesFor(client)
	require.NoError(t, err)

	// The no-plane-persistence variant: regeneration from the stored seed
	// must yield identical planes.
	stripped := *client
	stripped.RandomPlanes = nil
	fresh := New(reg.store, []byte("test-server-secret"), 16, zap.NewNop())
	regenerated, err := fresh.PlanesFor(&stripped)
	require.NoError(t, err)

	assert.Equal(t, fromBlob.Marshal(), regenerated.Marshal())
}

func TestPlanesForCached(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	client, _, err := reg.Initialize(ctx, "api-key-1", testParams())
	require.NoError(t, err)

	p1, err := reg.PlanesFor(client)
	require.NoError(t, err)
	p2, err := reg.PlanesFor(client)
	require.NoError(t, err)
	assert.Same(t, p1, p2, "second lookup hits the cache")
}
