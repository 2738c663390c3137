package lsh

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVector(rng *rand.Rand, dim int) []float64 {
	v := make([]float64, dim)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}

func TestGenerateDeterministic(t *testing.T) {
	a := Generate(42, 5, 12, 64)
	b := Generate(42, 5, 12, 64)
	assert.Equal(t, a.Marshal(), b.Marshal(), "same seed must produce identical planes")

	c := Generate(43, 5, 12, 64)
	assert.NotEqual(t, a.Marshal(), c.Marshal(), "different seeds must produce different planes")
}

func TestSeedForKeyedByClientAndSecret(t *testing.T) {
	secret := []byte("server-secret")
	s1 := SeedFor("client-a", secret)
	s2 := SeedFor("client-b", secret)
	s3 := SeedFor("client-a", []byte("other-secret"))

	assert.NotEqual(t, s1, s2)
	assert.NotEqual(t, s1, s3)
	assert.Equal(t, s1, SeedFor("client-a", secret))
}

func TestHashRangeAndShape(t *testing.T) {
	const tables, bits, dim = 7, 10, 32
	p := Generate(1, tables, bits, dim)
	rng := rand.New(rand.NewSource(2))

	for i := 0; i < 50; i++ {
		hashes, err := p.Hash(randomVector(rng, dim))
		require.NoError(t, err)
		require.Len(t, hashes, tables)
		for _, h := range hashes {
			assert.Less(t, h, uint32(1)<<bits)
		}
	}
}

func TestHashDimensionMismatch(t *testing.T) {
	p := Generate(1, 2, 8, 16)
	_, err := p.Hash(make([]float64, 8))
	assert.Error(t, err)
}

func TestHashScaleInvariant(t *testing.T) {
	// Hashing normalizes internally, so scaling a vector must not change
	// any bucket.
	const dim = 48
	p := Generate(9, 10, 16, dim)
	rng := rand.New(rand.NewSource(3))

	v := randomVector(rng, dim)
	scaled := make([]float64, dim)
	for i, x := range v {
		scaled[i] = 3.5 * x
	}

	h1, err := p.Hash(v)
	require.NoError(t, err)
	h2, err := p.Hash(scaled)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNearVectorsCollideMoreOften(t *testing.T) {
	const dim = 64
	p := Generate(5, 20, 16, dim)
	rng := rand.New(rand.NewSource(7))

	v := randomVector(rng, dim)
	near := make([]float64, dim)
	for i, x := range v {
		near[i] = x + 0.05*rng.NormFloat64()
	}
	far := randomVector(rng, dim)

	hv, err := p.Hash(v)
	require.NoError(t, err)
	hNear, err := p.Hash(near)
	require.NoError(t, err)
	hFar, err := p.Hash(far)
	require.NoError(t, err)

	nearMatches, farMatches := 0, 0
	for i := range hv {
		if hv[i] == hNear[i] {
			nearMatches++
		}
		if hv[i] == hFar[i] {
			farMatches++
		}
	}
	assert.Greater(t, nearMatches, farMatches,
		"a near-duplicate should share more buckets than a random vector")
	assert.Greater(t, nearMatches, 0)
}

func TestMarshalRoundTrip(t *testing.T) {
	p := Generate(11, 4, 9, 24)
	decoded, err := Unmarshal(p.Marshal())
	require.NoError(t, err)

	assert.Equal(t, p.NumTables(), decoded.NumTables())
	assert.Equal(t, p.HashSize(), decoded.HashSize())
	assert.Equal(t, p.Dim(), decoded.Dim())

	// Decoded planes must hash identically.
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 20; i++ {
		v := randomVector(rng, 24)
		h1, err := p.Hash(v)
		require.NoError(t, err)
		h2, err := decoded.Hash(v)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("short"),
		[]byte("XXXXX-not-planes-at-all"),
		Generate(1, 2, 8, 4).Marshal()[:20],
	}
	for _, data := range cases {
		_, err := Unmarshal(data)
		assert.ErrorIs(t, err, ErrBadPlaneEncoding)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{NumTables: 20, HashSize: 16, EmbeddingDim: 384, NumCandidates: 100}, false},
		{"tables too low", Config{NumTables: 0, HashSize: 16, EmbeddingDim: 384, NumCandidates: 100}, true},
		{"tables too high", Config{NumTables: 51, HashSize: 16, EmbeddingDim: 384, NumCandidates: 100}, true},
		{"hash too small", Config{NumTables: 20, HashSize: 7, EmbeddingDim: 384, NumCandidates: 100}, true},
		{"hash too big", Config{NumTables: 20, HashSize: 33, EmbeddingDim: 384, NumCandidates: 100}, true},
		{"zero dim", Config{NumTables: 20, HashSize: 16, EmbeddingDim: 0, NumCandidates: 100}, true},
		{"zero candidates", Config{NumTables: 20, HashSize: 16, EmbeddingDim: 384, NumCandidates: 0}, true},
		{"bounds inclusive", Config{NumTables: 50, HashSize: 32, EmbeddingDim: 1, NumCandidates: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
