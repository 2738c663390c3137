// Package client implements the client side of the secure search pipeline:
// embedding, LSH hashing, encryption, upload, and score decryption. All key
// material stays in this process; the server only ever sees ciphertexts and
// bucket hashes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opaque/securesearch/pkg/hecodec"
	"github.com/opaque/securesearch/pkg/lsh"
)

// ErrPlaintextLeak is returned when strip_plaintext_metadata is set and an
// outbound payload would still carry a plaintext text field. The payload is
// never transmitted.
var ErrPlaintextLeak = errors.New("plaintext leak detected in metadata")

// ErrNotInitialized is returned when an operation runs before Initialize.
var ErrNotInitialized = errors.New("client not initialized")

// APIError is a non-2xx server reply.
type APIError struct {
	Status int
	Kind   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Detail)
}

// Config holds client configuration.
type Config struct {
	ServerURL   string
	APIKey      string
	HTTPTimeout time.Duration

	// HE context.
	Scheme            string
	PolyModulusDegree int
	Scale             uint64

	EmbeddingDim int
	LSH          lsh.Config

	// StripPlaintextMetadata removes the text field from metadata before
	// upload and fails closed if one survives.
	StripPlaintextMetadata bool
}

// DefaultConfig returns the defaults used by the CLI and tests.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "http://localhost:8001",
		HTTPTimeout:       30 * time.Second,
		Scheme:            hecodec.SchemeCKKS,
		PolyModulusDegree: 8192,
		Scale:             1 << 40,
		EmbeddingDim:      384,
		LSH: lsh.Config{
			NumTables:     20,
			HashSize:      16,
			EmbeddingDim:  384,
			NumCandidates: 100,
		},
	}
}

// ConfigFromEnv overlays the recognized environment variables on the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if url := os.Getenv("SECURE_SEARCH_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}
	if key := os.Getenv("DB_SERVER_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if key := os.Getenv("SECURE_SEARCH_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if strip := os.Getenv("SECURE_SEARCH_STRIP_PLAINTEXT_METADATA"); strip == "1" {
		cfg.StripPlaintextMetadata = true
	}
	return cfg
}

// Client performs privacy-preserving vector search against a remote server.
type Client struct {
	cfg        Config
	httpClient *http.Client
	codec      hecodec.ClientCodec
	planes     *lsh.Planes
	clientID   uuid.UUID
}

// New creates a client and its HE codec. Initialize must be called before any
// data operation.
func New(cfg Config) (*Client, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension %d must be positive", cfg.EmbeddingDim)
	}
	cfg.LSH.EmbeddingDim = cfg.EmbeddingDim

	var codec hecodec.ClientCodec
	switch cfg.Scheme {
	case hecodec.SchemeMock:
		codec = hecodec.NewMockCodec()
	case hecodec.SchemeCKKS, "":
		cfg.Scheme = hecodec.SchemeCKKS
		var err error
		codec, err = hecodec.NewCKKSClient(cfg.PolyModulusDegree, cfg.Scale)
		if err != nil {
			return nil, fmt.Errorf("create CKKS client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", cfg.Scheme)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		codec:      codec,
	}, nil
}

// ClientID returns the server-assigned identity. Zero before Initialize.
func (c *Client) ClientID() uuid.UUID { return c.clientID }

// Planes returns the plane set received at Initialize.
func (c *Client) Planes() *lsh.Planes { return c.planes }

// Initialize registers with the server and installs the returned planes so
// client and server hash identically.
func (c *Client) Initialize(ctx context.Context) error {
	publicContext, err := c.codec.PublicContext()
	if err != nil {
		return fmt.Errorf("export public context: %w", err)
	}

	req := map[string]any{
		"context_params": map[string]any{
			"public_key":          publicContext,
			"scheme":              c.cfg.Scheme,
			"poly_modulus_degree": c.cfg.PolyModulusDegree,
			"scale":               c.cfg.Scale,
		},
		"embedding_dim": c.cfg.EmbeddingDim,
		"lsh_config": map[string]any{
			"num_tables":     c.cfg.LSH.NumTables,
			"hash_size":      c.cfg.LSH.HashSize,
			"num_candidates": c.cfg.LSH.NumCandidates,
		},
	}

	var resp struct {
		ClientID     uuid.UUID `json:"client_id"`
		RandomPlanes []byte    `json:"random_planes"`
		LSHConfig    struct {
			NumTables int `json:"num_tables"`
			HashSize  int `json:"hash_size"`
		} `json:"lsh_config"`
	}
	if err := c.post(ctx, "/initialize", req, &resp); err != nil {
		return err
	}

	planes, err := lsh.Unmarshal(resp.RandomPlanes)
	if err != nil {
		return fmt.Errorf("decode planes: %w", err)
	}
	if planes.NumTables() != resp.LSHConfig.NumTables || planes.Dim() != c.cfg.EmbeddingDim {
		return fmt.Errorf("received planes shape (%d,%d,%d) does not match configuration",
			planes.NumTables(), planes.HashSize(), planes.Dim())
	}

	c.clientID = resp.ClientID
	c.planes = planes
	return nil
}

// AddText embeds, hashes, encrypts, and uploads a sentence.
func (c *Client) AddText(ctx context.Context, text string, metadata map[string]any, externalID string) (uuid.UUID, error) {
	return c.AddVector(ctx, PseudoEmbed(text, c.cfg.EmbeddingDim), metadata, externalID)
}

// AddVector hashes, encrypts, and uploads a vector.
func (c *Client) AddVector(ctx context.Context, v []float64, metadata map[string]any, externalID string) (uuid.UUID, error) {
	if c.planes == nil {
		return uuid.Nil, ErrNotInitialized
	}

	v = hecodec.Normalize(v)
	hashes, err := c.planes.Hash(v)
	if err != nil {
		return uuid.Nil, err
	}
	ciphertext, err := c.codec.EncodeVector(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encrypt vector: %w", err)
	}

	meta, err := c.sanitizeMetadata(metadata)
	if err != nil {
		return uuid.Nil, err
	}

	req := map[string]any{
		"client_id":           c.clientID,
		"encrypted_embedding": ciphertext,
		"lsh_hashes":          hashes,
	}
	if meta != nil {
		req["metadata"] = meta
	}
	if externalID != "" {
		req["external_id"] = externalID
	}

	var resp struct {
		EmbeddingID uuid.UUID `json:"embedding_id"`
	}
	if err := c.post(ctx, "/add_embedding", req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.EmbeddingID, nil
}

// Match is one decrypted search result.
type Match struct {
	EmbeddingID uuid.UUID
	Similarity  float64
	Metadata    map[string]any
}

// SearchStats carries the server-reported search statistics.
type SearchStats struct {
	CandidatesFound   int
	CandidatesChecked int
	ResultsReturned   int
	SearchTimeMS      float64
}

// SearchText embeds the query text and runs SearchVector.
func (c *Client) SearchText(ctx context.Context, text string, topK, rerank int) ([]Match, *SearchStats, error) {
	return c.SearchVector(ctx, PseudoEmbed(text, c.cfg.EmbeddingDim), topK, rerank)
}

// SearchVector hashes and encrypts the query, posts it, decrypts the returned
// scores, and returns the topK matches sorted by similarity descending. The
// server returns every checked encrypted score; ranking happens here because
// only this process holds the secret key.
func (c *Client) SearchVector(ctx context.Context, v []float64, topK, rerank int) ([]Match, *SearchStats, error) {
	if c.planes == nil {
		return nil, nil, ErrNotInitialized
	}

	v = hecodec.Normalize(v)
	hashes, err := c.planes.Hash(v)
	if err != nil {
		return nil, nil, err
	}
	encQuery, err := c.codec.EncodeQuery(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt query: %w", err)
	}

	req := map[string]any{
		"client_id":         c.clientID,
		"encrypted_query":   encQuery,
		"lsh_hashes":        hashes,
		"top_k":             topK,
		"rerank_candidates": rerank,
	}

	var resp struct {
		Results []struct {
			EmbeddingID         uuid.UUID       `json:"embedding_id"`
			EncryptedSimilarity []byte          `json:"encrypted_similarity"`
			Metadata            json.RawMessage `json:"metadata"`
		} `json:"results"`
		CandidatesFound   int     `json:"candidates_found"`
		CandidatesChecked int     `json:"candidates_checked"`
		ResultsReturned   int     `json:"results_returned"`
		SearchTimeMS      float64 `json:"search_time_ms"`
	}
	if err := c.post(ctx, "/search", req, &resp); err != nil {
		return nil, nil, err
	}

	matches := make([]Match, 0, len(resp.Results))
	for _, res := range resp.Results {
		score, err := c.codec.DecryptScalar(res.EncryptedSimilarity)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt similarity for %s: %w", res.EmbeddingID, err)
		}
		m := Match{EmbeddingID: res.EmbeddingID, Similarity: score}
		if len(res.Metadata) > 0 {
			if err := json.Unmarshal(res.Metadata, &m.Metadata); err != nil {
				return nil, nil, fmt.Errorf("decode metadata for %s: %w", res.EmbeddingID, err)
			}
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	return matches, &SearchStats{
		CandidatesFound:   resp.CandidatesFound,
		CandidatesChecked: resp.CandidatesChecked,
		ResultsReturned:   resp.ResultsReturned,
		SearchTimeMS:      resp.SearchTimeMS,
	}, nil
}

// Delete soft-deletes an embedding.
func (c *Client) Delete(ctx context.Context, embeddingID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/embeddings/"+embeddingID.String(), nil, nil)
}

// Stats fetches the server-side counters for this client.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	if c.clientID == uuid.Nil {
		return nil, ErrNotInitialized
	}
	var stats map[string]any
	if err := c.do(ctx, http.MethodGet, "/stats/"+c.clientID.String(), nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// sanitizeMetadata applies the strip flag and the fail-closed leak check.
func (c *Client) sanitizeMetadata(metadata map[string]any) (map[string]any, error) {
	if metadata == nil {
		return nil, nil
	}
	if !c.cfg.StripPlaintextMetadata {
		return metadata, nil
	}

	clean := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if k == "text" {
			continue
		}
		clean[k] = v
	}
	if containsTextField(clean) {
		return nil, fmt.Errorf("metadata still carries a text field after stripping: %w", ErrPlaintextLeak)
	}
	return clean, nil
}

// containsTextField walks nested objects and arrays looking for a text key.
func containsTextField(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if k == "text" {
				return true
			}
			if containsTextField(inner) {
				return true
			}
		}
	case []any:
		for _, inner := range val {
			if containsTextField(inner) {
				return true
			}
		}
	}
	return false
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var wire struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err == nil {
			apiErr.Kind = wire.Error
			apiErr.Detail = wire.Detail
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
