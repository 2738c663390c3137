package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opaque/securesearch/internal/config"
	"github.com/opaque/securesearch/internal/engine"
	"github.com/opaque/securesearch/internal/registry"
	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/client"
	"github.com/opaque/securesearch/pkg/hecodec"
	"github.com/opaque/securesearch/pkg/lsh"
)

// payloadRecorder captures outbound request bodies for privacy inspection.
type payloadRecorder struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (p *payloadRecorder) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				p.mu.Lock()
				p.bodies = append(p.bodies, body)
				p.mu.Unlock()
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (p *payloadRecorder) all() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.bodies...)
}

func newTestServer(t *testing.T) (*httptest.Server, *payloadRecorder) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			RequestTimeout: 30 * time.Second,
			Secret:         "test-server-secret",
		},
		Search: config.SearchConfig{
			MaxBucketFanout: 256,
			HEParallelism:   2,
			PlaneCacheSize:  16,
		},
	}

	reg := registry.New(st, []byte(cfg.Server.Secret), cfg.Search.PlaneCacheSize, zap.NewNop())
	codecs := engine.NewSchemeProvider(cfg.Search.HEParallelism)
	eng := engine.New(st, codecs, engine.Options{
		MaxBucketFanout: cfg.Search.MaxBucketFanout,
		HEParallelism:   cfg.Search.HEParallelism,
	}, zap.NewNop())

	srv := New(reg, eng, st, cfg, zap.NewNop())
	recorder := &payloadRecorder{}
	ts := httptest.NewServer(recorder.middleware(srv.Router()))
	t.Cleanup(ts.Close)
	return ts, recorder
}

func newTestClient(t *testing.T, ts *httptest.Server, apiKey string, strip bool) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.ServerURL = ts.URL
	cfg.APIKey = apiKey
	cfg.Scheme = hecodec.SchemeMock
	cfg.EmbeddingDim = 32
	cfg.LSH = lsh.Config{NumTables: 10, HashSize: 8, EmbeddingDim: 32, NumCandidates: 100}
	cfg.StripPlaintextMetadata = strip

	c, err := client.New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)

	// A data endpoint without a token is rejected.
	resp, err := http.Post(ts.URL+"/search", "application/json",
		bytes.NewReader([]byte(`{"client_id":"`+uuid.NewString()+`"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInitializeIsIdempotentOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	a := newTestClient(t, ts, "key-1", false)
	b := newTestClient(t, ts, "key-1", false)

	assert.Equal(t, a.ClientID(), b.ClientID())
	assert.Equal(t, a.Planes().Marshal(), b.Planes().Marshal())
}

func TestEndToEndCategorySearch(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", false)

	corpus := client.SampleCorpus(32)
	require.Len(t, corpus, 25)
	categoryByID := make(map[uuid.UUID]string)
	for _, doc := range corpus {
		id, err := c.AddVector(ctx, doc.Vector, map[string]any{"category": doc.Category}, "")
		require.NoError(t, err)
		categoryByID[id] = doc.Category
	}

	query := client.QueryVector("Technology", "machine learning and AI", 32)
	matches, stats, err := c.SearchVector(ctx, query, 5, 100)
	require.NoError(t, err)

	require.NotEmpty(t, matches)
	assert.LessOrEqual(t, len(matches), 5)
	assert.LessOrEqual(t, stats.CandidatesChecked, 100)

	techHits := 0
	for _, m := range matches {
		if categoryByID[m.EmbeddingID] == "Technology" {
			techHits++
		}
	}
	assert.GreaterOrEqual(t, techHits, 1,
		"top-5 should contain at least one Technology document")

	// Scores arrive sorted descending after client-side decryption.
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
	}
}

func TestNearDuplicateRecall(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", false)

	corpus := client.ScreenshotCorpus(200, 32)
	for _, doc := range corpus {
		_, err := c.AddVector(ctx, doc.Vector, nil, "")
		require.NoError(t, err)
	}

	query := client.PseudoEmbed("the exact screenshot we are looking for", 32)
	dupIDs := make(map[uuid.UUID]bool)
	for i := 0; i < 20; i++ {
		id, err := c.AddVector(ctx, client.Perturb(query, 0.05, int64(i)), nil, "")
		require.NoError(t, err)
		dupIDs[id] = true
	}

	matches, _, err := c.SearchVector(ctx, query, 50, 100)
	require.NoError(t, err)

	found := 0
	for _, m := range matches {
		if dupIDs[m.EmbeddingID] {
			found++
		}
	}
	assert.GreaterOrEqual(t, found, 15, "expect at least 15 of 20 near-duplicates in the top 50")
}

func TestMultiClientIsolation(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	a := newTestClient(t, ts, "key-a", false)
	b := newTestClient(t, ts, "key-b", false)
	require.NotEqual(t, a.ClientID(), b.ClientID())
	assert.NotEqual(t, a.Planes().Marshal(), b.Planes().Marshal(),
		"distinct clients get distinct planes")

	ownedByB := make(map[uuid.UUID]bool)
	for i := 0; i < 30; i++ {
		v := client.PseudoEmbed(fmt.Sprintf("shared document %d", i), 32)
		_, err := a.AddVector(ctx, v, nil, "")
		require.NoError(t, err)
		id, err := b.AddVector(ctx, v, nil, "")
		require.NoError(t, err)
		ownedByB[id] = true
	}

	for i := 0; i < 5; i++ {
		query := client.PseudoEmbed(fmt.Sprintf("shared document %d", i), 32)
		matches, _, err := a.SearchVector(ctx, query, 10, 100)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		for _, m := range matches {
			assert.False(t, ownedByB[m.EmbeddingID],
				"client A must never see client B's embeddings")
		}
	}
}

func TestClientIDMismatchRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	newTestClient(t, ts, "key-a", false)
	newTestClient(t, ts, "key-b", false)

	// Token A presenting client B's ID (or any foreign ID) is unauthenticated.
	body, err := json.Marshal(map[string]any{
		"client_id":         uuid.New(),
		"encrypted_query":   []byte("x"),
		"lsh_hashes":        []int{1},
		"top_k":             1,
		"rerank_candidates": 1,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/search", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer key-a")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDuplicateExternalID(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", false)

	v := client.PseudoEmbed("a document", 32)
	_, err := c.AddVector(ctx, v, nil, "doc-1")
	require.NoError(t, err)

	_, err = c.AddVector(ctx, v, nil, "doc-1")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "duplicate_external_id", apiErr.Kind)
}

func TestConfigConflictOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	c := newTestClient(t, ts, "key-1", false)
	_, err := c.AddVector(ctx, client.PseudoEmbed("pin the shape", 32), nil, "")
	require.NoError(t, err)

	// Re-initialize with a different dimension under the same token.
	cfg := client.DefaultConfig()
	cfg.ServerURL = ts.URL
	cfg.APIKey = "key-1"
	cfg.Scheme = hecodec.SchemeMock
	cfg.EmbeddingDim = 64
	cfg.LSH = lsh.Config{NumTables: 10, HashSize: 12, EmbeddingDim: 64, NumCandidates: 100}
	conflicting, err := client.New(cfg)
	require.NoError(t, err)

	err = conflicting.Initialize(ctx)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "config_conflict", apiErr.Kind)
}

func TestPrivacyStripFlag(t *testing.T) {
	ts, recorder := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", true)

	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("secret sentence %d", i)
		_, err := c.AddText(ctx, text, map[string]any{
			"text":     text,
			"category": "secret",
		}, "")
		require.NoError(t, err)
	}
	_, _, err := c.SearchText(ctx, "secret sentence 0", 5, 50)
	require.NoError(t, err)

	for _, body := range recorder.all() {
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload))
		if meta, ok := payload["metadata"].(map[string]any); ok {
			_, hasText := meta["text"]
			assert.False(t, hasText, "no outbound payload may carry plaintext text metadata")
		}
	}
}

func TestPlaintextLeakFailsClosed(t *testing.T) {
	ts, _ := newTestServer(t)
	c := newTestClient(t, ts, "key-1", true)

	// A nested text field survives top-level stripping; the client must abort
	// before transmission.
	_, err := c.AddText(context.Background(), "sentence", map[string]any{
		"nested": map[string]any{"text": "leaky"},
	}, "")
	assert.ErrorIs(t, err, client.ErrPlaintextLeak)
}

func TestSoftDeleteEndToEnd(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", false)

	v := client.PseudoEmbed("deletable", 32)
	id, err := c.AddVector(ctx, v, nil, "")
	require.NoError(t, err)

	matches, _, err := c.SearchVector(ctx, v, 5, 50)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, id, matches[0].EmbeddingID)

	require.NoError(t, c.Delete(ctx, id))

	matches, _, err = c.SearchVector(ctx, v, 5, 50)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, id, m.EmbeddingID, "soft-deleted embedding must not surface")
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", false)

	_, err := c.AddVector(ctx, client.PseudoEmbed("doc", 32), nil, "")
	require.NoError(t, err)
	_, _, err = c.SearchVector(ctx, client.PseudoEmbed("doc", 32), 1, 10)
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), stats["total_embeddings"])
	assert.Equal(t, float64(1), stats["total_searches"])
	assert.NotEmpty(t, stats["last_active_at"])
}

func TestResultAndCandidateBounds(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	// Client configured with a candidate ceiling of 20.
	cfg := client.DefaultConfig()
	cfg.ServerURL = ts.URL
	cfg.APIKey = "key-1"
	cfg.Scheme = hecodec.SchemeMock
	cfg.EmbeddingDim = 32
	cfg.LSH = lsh.Config{NumTables: 10, HashSize: 8, EmbeddingDim: 32, NumCandidates: 20}
	c, err := client.New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx))

	base := client.PseudoEmbed("crowded neighborhood", 32)
	for i := 0; i < 60; i++ {
		_, err := c.AddVector(ctx, client.Perturb(base, 0.02, int64(i)), nil, "")
		require.NoError(t, err)
	}

	matches, stats, err := c.SearchVector(ctx, base, 5, 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.CandidatesChecked, 20,
		"candidate ceiling holds regardless of rerank_candidates")
	assert.LessOrEqual(t, len(matches), 5, "client applies top_k")
}

func TestLSHDebugEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	c := newTestClient(t, ts, "key-1", false)

	_, err := c.AddVector(ctx, client.PseudoEmbed("doc", 32), nil, "")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/lsh/debug/"+c.ClientID().String(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer key-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TotalBuckets int `json:"total_buckets"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 10, body.TotalBuckets, "one bucket per table for a single embedding")
}

func TestHashConsistencyClientAndServer(t *testing.T) {
	ts, _ := newTestServer(t)
	c := newTestClient(t, ts, "key-1", false)

	// A second copy of the planes is decoded from the serialized form that
	// /initialize ships; it must hash bucket for bucket like the client's
	// planes, or uploads and queries would never meet.
	serverPlanes, err := lsh.Unmarshal(c.Planes().Marshal())
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		v := client.PseudoEmbed(fmt.Sprintf("probe %d", i), 32)
		clientHashes, err := c.Planes().Hash(v)
		require.NoError(t, err)
		serverHashes, err := serverPlanes.Hash(v)
		require.NoError(t, err)
		assert.Equal(t, clientHashes, serverHashes)
	}
}

func TestInvalidRequestBodies(t *testing.T) {
	ts, _ := newTestServer(t)
	newTestClient(t, ts, "key-1", false)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"malformed json", "/search", "{not json", http.StatusBadRequest},
		{"malformed json add", "/add_embedding", "][", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.URL+tt.path, bytes.NewReader([]byte(tt.body)))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer key-1")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &client.APIError{Status: 401, Kind: "unauthenticated"})
	var apiErr *client.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.Status)
}
