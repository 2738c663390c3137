package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opaque/securesearch/internal/registry"
	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/lsh"
)

// LSHConfigDTO is the wire form of a client's LSH configuration.
type LSHConfigDTO struct {
	NumTables     int `json:"num_tables"`
	HashSize      int `json:"hash_size"`
	NumCandidates int `json:"num_candidates"`
}

// ContextParamsDTO is the wire form of the HE context descriptor.
type ContextParamsDTO struct {
	PublicKey         []byte `json:"public_key"`
	Scheme            string `json:"scheme"`
	PolyModulusDegree int    `json:"poly_modulus_degree"`
	Scale             uint64 `json:"scale"`
}

// InitializeRequest is the /initialize body.
type InitializeRequest struct {
	ContextParams ContextParamsDTO `json:"context_params"`
	EmbeddingDim  int              `json:"embedding_dim"`
	LSHConfig     LSHConfigDTO     `json:"lsh_config"`
	ClientName    string           `json:"client_name,omitempty"`
}

// InitializeResponse returns the client identity and its planes.
type InitializeResponse struct {
	ClientID     uuid.UUID    `json:"client_id"`
	LSHConfig    LSHConfigDTO `json:"lsh_config"`
	EmbeddingDim int          `json:"embedding_dim"`
	RandomPlanes []byte       `json:"random_planes"`
	Created      bool         `json:"created"`
}

// AddEmbeddingRequest is the /add_embedding body.
type AddEmbeddingRequest struct {
	ClientID           uuid.UUID       `json:"client_id"`
	EncryptedEmbedding []byte          `json:"encrypted_embedding"`
	LSHHashes          []uint32        `json:"lsh_hashes"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	ExternalID         string          `json:"external_id,omitempty"`
}

// AddEmbeddingResponse returns the new embedding identity.
type AddEmbeddingResponse struct {
	EmbeddingID uuid.UUID `json:"embedding_id"`
}

// SearchRequest is the /search body.
type SearchRequest struct {
	ClientID         uuid.UUID `json:"client_id"`
	EncryptedQuery   []byte    `json:"encrypted_query"`
	LSHHashes        []uint32  `json:"lsh_hashes"`
	TopK             int       `json:"top_k"`
	RerankCandidates int       `json:"rerank_candidates"`
}

// SearchResultDTO is one encrypted score with its metadata.
type SearchResultDTO struct {
	EmbeddingID         uuid.UUID       `json:"embedding_id"`
	EncryptedSimilarity []byte          `json:"encrypted_similarity"`
	Metadata            json.RawMessage `json:"metadata,omitempty"`
}

// SearchResponse is the /search reply.
type SearchResponse struct {
	Results           []SearchResultDTO `json:"results"`
	CandidatesFound   int               `json:"candidates_found"`
	CandidatesChecked int               `json:"candidates_checked"`
	ResultsReturned   int               `json:"results_returned"`
	Truncated         bool              `json:"truncated,omitempty"`
	SearchTimeMS      float64           `json:"search_time_ms"`
	LSHTimeMS         float64           `json:"lsh_time_ms"`
	HETimeMS          float64           `json:"he_time_ms"`
}

// StatsResponse is the /stats/{clientID} reply.
type StatsResponse struct {
	ClientID        uuid.UUID    `json:"client_id"`
	ClientName      string       `json:"client_name"`
	EmbeddingDim    int          `json:"embedding_dim"`
	LSHConfig       LSHConfigDTO `json:"lsh_config"`
	TotalEmbeddings int64        `json:"total_embeddings"`
	TotalSearches   int64        `json:"total_searches"`
	CreatedAt       time.Time    `json:"created_at"`
	LastActiveAt    time.Time    `json:"last_active_at"`
	IsActive        bool         `json:"is_active"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	scheme := req.ContextParams.Scheme
	if scheme == "" {
		scheme = "CKKS"
	}
	client, created, err := s.registry.Initialize(r.Context(), bearerToken(r), registry.InitParams{
		ClientName:        req.ClientName,
		HEScheme:          scheme,
		PolyModulusDegree: req.ContextParams.PolyModulusDegree,
		Scale:             req.ContextParams.Scale,
		PublicKey:         req.ContextParams.PublicKey,
		EmbeddingDim:      req.EmbeddingDim,
		LSH: lsh.Config{
			NumTables:     req.LSHConfig.NumTables,
			HashSize:      req.LSHConfig.HashSize,
			EmbeddingDim:  req.EmbeddingDim,
			NumCandidates: req.LSHConfig.NumCandidates,
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, InitializeResponse{
		ClientID: client.ClientID,
		LSHConfig: LSHConfigDTO{
			NumTables:     client.NumTables,
			HashSize:      client.HashSize,
			NumCandidates: client.NumCandidates,
		},
		EmbeddingDim: client.EmbeddingDim,
		RandomPlanes: client.RandomPlanes,
		Created:      created,
	})
}

func (s *Server) handleAddEmbedding(w http.ResponseWriter, r *http.Request) {
	var req AddEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	client, err := s.authenticate(r, req.ClientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	embeddingID, err := s.engine.AddEmbedding(r.Context(), client,
		req.EncryptedEmbedding, req.LSHHashes, req.Metadata, req.ExternalID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, AddEmbeddingResponse{EmbeddingID: embeddingID})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	client, err := s.authenticate(r, req.ClientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.engine.Search(r.Context(), client,
		req.EncryptedQuery, req.LSHHashes, req.TopK, req.RerankCandidates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results := make([]SearchResultDTO, len(result.Items))
	for i, item := range result.Items {
		results[i] = SearchResultDTO{
			EmbeddingID:         item.EmbeddingID,
			EncryptedSimilarity: item.EncryptedSimilarity,
			Metadata:            item.Metadata,
		}
	}

	s.respondJSON(w, http.StatusOK, SearchResponse{
		Results:           results,
		CandidatesFound:   result.Stats.CandidatesFound,
		CandidatesChecked: result.Stats.CandidatesChecked,
		ResultsReturned:   result.Stats.ResultsReturned,
		Truncated:         result.Stats.Truncated,
		SearchTimeMS:      result.Stats.TotalTimeMS,
		LSHTimeMS:         result.Stats.LSHTimeMS,
		HETimeMS:          result.Stats.HETimeMS,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "clientID"))
	if err != nil {
		s.badRequest(w, "invalid client_id")
		return
	}

	client, err := s.authenticate(r, clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, StatsResponse{
		ClientID:     client.ClientID,
		ClientName:   client.ClientName,
		EmbeddingDim: client.EmbeddingDim,
		LSHConfig: LSHConfigDTO{
			NumTables:     client.NumTables,
			HashSize:      client.HashSize,
			NumCandidates: client.NumCandidates,
		},
		TotalEmbeddings: client.TotalEmbeddings,
		TotalSearches:   client.TotalSearches,
		CreatedAt:       client.CreatedAt,
		LastActiveAt:    client.LastActiveAt,
		IsActive:        client.IsActive,
	})
}

func (s *Server) handleDeleteEmbedding(w http.ResponseWriter, r *http.Request) {
	embeddingID, err := uuid.Parse(chi.URLParam(r, "embeddingID"))
	if err != nil {
		s.badRequest(w, "invalid embedding_id")
		return
	}

	client, err := s.registry.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.SoftDelete(r.Context(), client.ClientID, embeddingID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleLSHDebug(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "clientID"))
	if err != nil {
		s.badRequest(w, "invalid client_id")
		return
	}

	client, err := s.authenticate(r, clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	total, largest, err := s.store.BucketStats(r.Context(), client.ClientID, 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"client_id":       client.ClientID,
		"total_buckets":   total,
		"largest_buckets": largest,
	})
}

// authenticate resolves the bearer token and verifies it owns clientID.
// A token presenting another client's ID is rejected as unauthenticated, not
// as not-found, to avoid leaking which IDs exist.
func (s *Server) authenticate(r *http.Request, clientID uuid.UUID) (*store.Client, error) {
	c, err := s.registry.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		return nil, err
	}
	if c.ClientID != clientID {
		s.logger.Warn("client_id mismatch",
			zap.String("authenticated", c.ClientID.String()),
			zap.String("requested", clientID.String()))
		return nil, fmt.Errorf("token does not own client %s: %w", clientID, registry.ErrUnauthenticated)
	}
	return c, nil
}
