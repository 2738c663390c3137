// Package engine orchestrates the two-stage retrieval: LSH candidate
// filtering, ciphertext fetch, homomorphic similarity scoring, and result
// packaging.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/hecodec"
)

// ErrInvalidRequest is returned for malformed search parameters.
var ErrInvalidRequest = errors.New("invalid request")

// Options tune the engine.
type Options struct {
	// MaxBucketFanout caps how many postings one LSH bucket may contribute.
	MaxBucketFanout int
	// HEParallelism bounds concurrent homomorphic inner products per search.
	HEParallelism int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxBucketFanout: 2048,
		HEParallelism:   4,
	}
}

// Engine runs searches against the store using a per-client server-side codec.
type Engine struct {
	store  *store.Store
	codecs CodecProvider
	opts   Options
	logger *zap.Logger
}

// New creates a search engine.
func New(st *store.Store, codecs CodecProvider, opts Options, logger *zap.Logger) *Engine {
	if opts.HEParallelism < 1 {
		opts.HEParallelism = 1
	}
	return &Engine{store: st, codecs: codecs, opts: opts, logger: logger}
}

// Item is one scored candidate. The similarity is an encrypted scalar only
// the client can decrypt.
type Item struct {
	EmbeddingID         uuid.UUID
	EncryptedSimilarity []byte
	Metadata            json.RawMessage
	Matches             int
}

// Stats reports what the search did and how long each stage took.
type Stats struct {
	CandidatesFound   int
	CandidatesChecked int
	ResultsReturned   int
	Truncated         bool
	LSHTimeMS         float64
	HETimeMS          float64
	TotalTimeMS       float64
}

// Result is the packaged search outcome: all checked encrypted scores in LSH
// order (match count descending). The server cannot rank under encryption, so
// top-k selection is delegated to the key-holding client.
type Result struct {
	Items []Item
	Stats Stats
}

// Search runs the candidate pipeline for one query.
//
// rerank is clamped to the client's configured num_candidates, so a single
// search never checks more than that ceiling. An empty candidate set is a
// successful search with empty results.
func (e *Engine) Search(ctx context.Context, client *store.Client, encQuery []byte, qHashes []uint32, topK, rerank int) (*Result, error) {
	start := time.Now()

	if topK < 1 {
		return nil, fmt.Errorf("top_k %d must be at least 1: %w", topK, ErrInvalidRequest)
	}
	if rerank < topK {
		return nil, fmt.Errorf("rerank_candidates %d below top_k %d: %w", rerank, topK, ErrInvalidRequest)
	}
	if len(qHashes) != client.NumTables {
		return nil, fmt.Errorf("query has %d hashes, client has %d tables: %w",
			len(qHashes), client.NumTables, ErrInvalidRequest)
	}
	if rerank > client.NumCandidates {
		rerank = client.NumCandidates
	}

	// Stage 1: LSH filter. found is the full match-set size; the returned
	// slice is bounded by the rerank budget.
	lshStart := time.Now()
	candidates, found, truncated, err := e.store.Candidates(ctx, client.ClientID, qHashes, rerank, e.opts.MaxBucketFanout)
	if err != nil {
		return nil, fmt.Errorf("candidate selection: %w", err)
	}
	lshTime := time.Since(lshStart)

	// Stage 2: bulk fetch ciphertexts and metadata.
	ids := make([]uuid.UUID, len(candidates))
	matchesByID := make(map[uuid.UUID]int, len(candidates))
	for i, c := range candidates {
		ids[i] = c.EmbeddingID
		matchesByID[c.EmbeddingID] = c.Matches
	}
	fetched, err := e.store.FetchMany(ctx, client.ClientID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}

	// Stage 3: homomorphic similarity, bounded parallelism, order preserved.
	heStart := time.Now()
	items := make([]Item, len(fetched))
	if len(fetched) > 0 {
		codec, err := e.codecs.CodecFor(client)
		if err != nil {
			return nil, fmt.Errorf("codec for client %s: %w", client.ClientID, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.HEParallelism)
		for i, fe := range fetched {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				enc, err := codec.InnerProduct(encQuery, fe.Ciphertext)
				if err != nil {
					return fmt.Errorf("embedding %s: %w", fe.EmbeddingID, err)
				}
				items[i] = Item{
					EmbeddingID:         fe.EmbeddingID,
					EncryptedSimilarity: enc,
					Metadata:            fe.Metadata,
					Matches:             matchesByID[fe.EmbeddingID],
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	heTime := time.Since(heStart)
	total := time.Since(start)

	stats := Stats{
		CandidatesFound:   found,
		CandidatesChecked: len(fetched),
		ResultsReturned:   len(items),
		Truncated:         truncated,
		LSHTimeMS:         float64(lshTime.Microseconds()) / 1000,
		HETimeMS:          float64(heTime.Microseconds()) / 1000,
		TotalTimeMS:       float64(total.Microseconds()) / 1000,
	}

	if err := e.store.RecordSearch(ctx, store.SearchAudit{
		ClientID:          client.ClientID,
		TopK:              topK,
		RerankCandidates:  rerank,
		CandidatesFound:   stats.CandidatesFound,
		CandidatesChecked: stats.CandidatesChecked,
		ResultsReturned:   stats.ResultsReturned,
		LSHTimeMS:         stats.LSHTimeMS,
		HETimeMS:          stats.HETimeMS,
		TotalTimeMS:       stats.TotalTimeMS,
	}); err != nil {
		e.logger.Warn("record search failed",
			zap.String("client_id", client.ClientID.String()), zap.Error(err))
	}

	e.logger.Debug("search completed",
		zap.String("client_id", client.ClientID.String()),
		zap.Int("candidates_found", stats.CandidatesFound),
		zap.Int("candidates_checked", stats.CandidatesChecked),
		zap.Bool("truncated", truncated),
		zap.Float64("total_ms", stats.TotalTimeMS))

	return &Result{Items: items, Stats: stats}, nil
}

// SoftDelete hides an embedding from future searches.
func (e *Engine) SoftDelete(ctx context.Context, clientID, embeddingID uuid.UUID) error {
	return e.store.SoftDelete(ctx, clientID, embeddingID)
}

// AddEmbedding validates the hash vector shape and persists the ciphertext,
// metadata, and postings atomically.
func (e *Engine) AddEmbedding(ctx context.Context, client *store.Client, ciphertext []byte, hashes []uint32, metadata json.RawMessage, externalID string) (uuid.UUID, error) {
	if len(hashes) != client.NumTables {
		return uuid.Nil, fmt.Errorf("embedding has %d hashes, client has %d tables: %w",
			len(hashes), client.NumTables, ErrInvalidRequest)
	}
	if len(ciphertext) == 0 {
		return uuid.Nil, fmt.Errorf("empty ciphertext: %w", hecodec.ErrCorruptCiphertext)
	}
	maxHash := uint32(1)<<client.HashSize - 1
	if client.HashSize >= 32 {
		maxHash = ^uint32(0)
	}
	for i, h := range hashes {
		if h > maxHash {
			return uuid.Nil, fmt.Errorf("hash %d in table %d exceeds %d-bit range: %w",
				h, i, client.HashSize, ErrInvalidRequest)
		}
	}
	return e.store.InsertEmbedding(ctx, client.ClientID, ciphertext, metadata, externalID, hashes)
}
