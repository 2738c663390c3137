package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Candidate is an embedding matched by at least one LSH table, with its match
// count across tables.
type Candidate struct {
	EmbeddingID uuid.UUID
	Matches     int
}

// Candidates joins the unrolled query hash vector against the posting lists
// and returns up to limit embeddings ranked by match count descending, ties
// broken by most-recent created_at then embedding_id. The second return value
// is the size of the full match set (at least one table match, not deleted)
// before the limit and fanout bounds apply.
//
// maxFanout bounds how many postings any single (table, hash) bucket may
// contribute; oversized buckets are subsampled deterministically by
// bucket_hash64(embedding_id) and the truncation is reported. A maxFanout of
// zero or less leaves buckets unbounded.
func (s *Store) Candidates(ctx context.Context, clientID uuid.UUID, hashes []uint32, limit, maxFanout int) ([]Candidate, int, bool, error) {
	if len(hashes) == 0 || limit <= 0 {
		return nil, 0, false, nil
	}
	if maxFanout <= 0 {
		maxFanout = math.MaxInt32
	}

	values := make([]string, len(hashes))
	valueArgs := make([]any, 0, 2*len(hashes))
	for i, h := range hashes {
		values[i] = "(?, ?)"
		valueArgs = append(valueArgs, i, int64(h))
	}

	// The full match set, before the fanout subsample and the limit.
	countQuery := fmt.Sprintf(`
		WITH q(table_index, hash_value) AS (VALUES %s)
		SELECT COUNT(DISTINCT p.embedding_id)
		FROM lsh_postings p
		JOIN q ON q.table_index = p.table_index AND q.hash_value = p.hash_value
		JOIN embeddings e ON e.embedding_id = p.embedding_id
		WHERE p.client_id = ? AND e.is_deleted = 0`, strings.Join(values, ", "))

	countArgs := append(append([]any{}, valueArgs...), clientID.String())
	var found int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&found); err != nil {
		return nil, 0, false, fmt.Errorf("candidate count: %w", err)
	}

	args := append(append([]any{}, valueArgs...), clientID.String(), maxFanout, limit)

	query := fmt.Sprintf(`
		WITH q(table_index, hash_value) AS (VALUES %s),
		hits AS (
			SELECT p.embedding_id,
				ROW_NUMBER() OVER (
					PARTITION BY p.table_index, p.hash_value
					ORDER BY bucket_hash64(p.embedding_id)
				) AS rn,
				COUNT(*) OVER (
					PARTITION BY p.table_index, p.hash_value
				) AS bucket_size
			FROM lsh_postings p
			JOIN q ON q.table_index = p.table_index AND q.hash_value = p.hash_value
			WHERE p.client_id = ?
		)
		SELECT h.embedding_id, COUNT(*) AS matches, MAX(h.bucket_size) AS max_bucket
		FROM hits h
		JOIN embeddings e ON e.embedding_id = h.embedding_id
		WHERE h.rn <= ? AND e.is_deleted = 0
		GROUP BY h.embedding_id
		ORDER BY matches DESC, e.created_at DESC, h.embedding_id ASC
		LIMIT ?`, strings.Join(values, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, false, fmt.Errorf("candidate query: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	truncated := false
	for rows.Next() {
		var idStr string
		var matches, maxBucket int
		if err := rows.Scan(&idStr, &matches, &maxBucket); err != nil {
			return nil, 0, false, fmt.Errorf("scan candidate: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, 0, false, fmt.Errorf("parse embedding_id: %w", err)
		}
		if maxBucket > maxFanout {
			truncated = true
		}
		out = append(out, Candidate{EmbeddingID: id, Matches: matches})
	}
	return out, found, truncated, rows.Err()
}

// BucketStat describes one LSH bucket.
type BucketStat struct {
	TableIndex int    `json:"table_index"`
	HashValue  uint32 `json:"hash_value"`
	Size       int    `json:"size"`
}

// BucketStats returns the number of occupied buckets plus the topN largest
// buckets for a client. Used by the debug endpoint.
func (s *Store) BucketStats(ctx context.Context, clientID uuid.UUID, topN int) (int, []BucketStat, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM lsh_postings WHERE client_id = ?
			GROUP BY table_index, hash_value
		)`, clientID.String()).Scan(&total)
	if err != nil {
		return 0, nil, fmt.Errorf("count buckets: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT table_index, hash_value, COUNT(*) AS size
		FROM lsh_postings WHERE client_id = ?
		GROUP BY table_index, hash_value
		ORDER BY size DESC LIMIT ?`, clientID.String(), topN)
	if err != nil {
		return 0, nil, fmt.Errorf("bucket stats: %w", err)
	}
	defer rows.Close()

	var stats []BucketStat
	for rows.Next() {
		var b BucketStat
		var hash int64
		if err := rows.Scan(&b.TableIndex, &hash, &b.Size); err != nil {
			return 0, nil, err
		}
		b.HashValue = uint32(hash)
		stats = append(stats, b)
	}
	return total, stats, rows.Err()
}

// SearchAudit is the per-search analytics row.
type SearchAudit struct {
	ClientID          uuid.UUID
	TopK              int
	RerankCandidates  int
	CandidatesFound   int
	CandidatesChecked int
	ResultsReturned   int
	LSHTimeMS         float64
	HETimeMS          float64
	TotalTimeMS       float64
}

// RecordSearch stores the audit row and bumps the client's search counter.
func (s *Store) RecordSearch(ctx context.Context, a SearchAudit) error {
	now := time.Now().UTC()
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO search_requests (client_id, top_k, rerank_candidates,
				candidates_found, candidates_checked, results_returned,
				lsh_time_ms, he_time_ms, total_time_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ClientID.String(), a.TopK, a.RerankCandidates, a.CandidatesFound,
			a.CandidatesChecked, a.ResultsReturned, a.LSHTimeMS, a.HETimeMS,
			a.TotalTimeMS, now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE clients SET total_searches = total_searches + 1, last_active_at = ?
			WHERE client_id = ?`, now, a.ClientID.String())
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}
