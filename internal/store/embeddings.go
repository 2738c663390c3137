package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FetchedEmbedding is a row returned by FetchMany: the ciphertext plus its
// metadata document (nil when none was stored).
type FetchedEmbedding struct {
	EmbeddingID uuid.UUID
	Ciphertext  []byte
	Metadata    json.RawMessage
}

// InsertEmbedding writes the embedding row, its metadata document, and one
// posting row per LSH table in a single transaction. The client's embedding
// counter is bumped in the same transaction, so a partial write is never
// observable.
func (s *Store) InsertEmbedding(ctx context.Context, clientID uuid.UUID, ciphertext []byte, metadata json.RawMessage, externalID string, hashes []uint32) (uuid.UUID, error) {
	embeddingID := uuid.New()
	now := time.Now().UTC()

	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var total, max int64
		err = tx.QueryRowContext(ctx,
			`SELECT total_embeddings, max_embeddings_allowed FROM clients WHERE client_id = ?`,
			clientID.String()).Scan(&total, &max)
		if err == sql.ErrNoRows {
			return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if total >= max {
			return fmt.Errorf("client %s at %d embeddings: %w", clientID, total, ErrQuotaExceeded)
		}

		var extID sql.NullString
		if externalID != "" {
			extID = sql.NullString{String: externalID, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO embeddings (embedding_id, client_id, external_id, ciphertext,
				size_bytes, created_at, accessed_at, access_count, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			embeddingID.String(), clientID.String(), extID, ciphertext,
			len(ciphertext), now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("external_id %q: %w", externalID, ErrDuplicateExternalID)
			}
			return err
		}

		if len(metadata) > 0 {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO embedding_metadata (embedding_id, metadata) VALUES (?, ?)`,
				embeddingID.String(), string(metadata))
			if err != nil {
				return err
			}
		}

		for tableIdx, hash := range hashes {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO lsh_postings (client_id, table_index, hash_value, embedding_id)
				VALUES (?, ?, ?, ?)`,
				clientID.String(), tableIdx, int64(hash), embeddingID.String())
			if err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE clients SET total_embeddings = total_embeddings + 1, last_active_at = ?
			WHERE client_id = ?`, now, clientID.String())
		if err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return uuid.Nil, err
	}
	return embeddingID, nil
}

// FetchMany returns ciphertexts and metadata for the requested IDs, preserving
// request order so the caller can align results with its candidate list.
// Soft-deleted rows and IDs owned by other clients are silently skipped.
// Access stats are bumped for the returned rows.
func (s *Store) FetchMany(ctx context.Context, clientID uuid.UUID, ids []uuid.UUID) ([]FetchedEmbedding, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, clientID.String())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id.String())
	}

	query := fmt.Sprintf(`
		SELECT e.embedding_id, e.ciphertext, m.metadata
		FROM embeddings e
		LEFT JOIN embedding_metadata m ON m.embedding_id = e.embedding_id
		WHERE e.client_id = ? AND e.is_deleted = 0 AND e.embedding_id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch embeddings: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]FetchedEmbedding, len(ids))
	for rows.Next() {
		var idStr string
		var ciphertext []byte
		var metadata sql.NullString
		if err := rows.Scan(&idStr, &ciphertext, &metadata); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse embedding_id: %w", err)
		}
		fe := FetchedEmbedding{EmbeddingID: id, Ciphertext: ciphertext}
		if metadata.Valid {
			fe.Metadata = json.RawMessage(metadata.String)
		}
		byID[id] = fe
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]FetchedEmbedding, 0, len(byID))
	for _, id := range ids {
		if fe, ok := byID[id]; ok {
			out = append(out, fe)
		}
	}

	if len(out) > 0 {
		touchArgs := make([]any, 0, len(out)+1)
		touchArgs = append(touchArgs, time.Now().UTC())
		touchPlaceholders := make([]string, len(out))
		for i, fe := range out {
			touchPlaceholders[i] = "?"
			touchArgs = append(touchArgs, fe.EmbeddingID.String())
		}
		_ = s.withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
				UPDATE embeddings SET accessed_at = ?, access_count = access_count + 1
				WHERE embedding_id IN (%s)`, strings.Join(touchPlaceholders, ",")), touchArgs...)
			return err
		})
	}

	return out, nil
}

// SoftDelete hides an embedding from all future searches. The ciphertext and
// postings remain until PurgeDeleted removes them.
func (s *Store) SoftDelete(ctx context.Context, clientID, embeddingID uuid.UUID) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE embeddings SET is_deleted = 1, deleted_at = ?
			WHERE client_id = ? AND embedding_id = ? AND is_deleted = 0`,
			time.Now().UTC(), clientID.String(), embeddingID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return fmt.Errorf("embedding %s: %w", embeddingID, ErrNotFound)
		}
		return err
	})
}

// PurgeDeleted physically removes soft-deleted embeddings whose deleted_at is
// older than the retention horizon. Postings and metadata cascade. Returns
// the number of embeddings removed.
func (s *Store) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var purged int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM embeddings WHERE is_deleted = 1 AND deleted_at < ?`, cutoff)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
