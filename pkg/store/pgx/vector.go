package pgx

import (
	"context"
	"fmt"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/store"

	"github.com/pgvector/pgvector-go"
)

const upsertVectorSQL = `
INSERT INTO embeddings (entity_id, campaign_id, kind, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (entity_id) DO UPDATE
SET embedding = EXCLUDED.embedding,
    updated_at = EXCLUDED.updated_at
`

const searchVectorsSQL = `
SELECT entity_id, 1 - (embedding <=> $3) AS score
FROM embeddings
WHERE campaign_id = $1 AND kind = $2
ORDER BY embedding <=> $3
LIMIT $4
`

// UpsertVector stores or replaces the embedding for an entity.
func (s *Storage) UpsertVector(ctx context.Context, campaignID string, kind common.Kind, id string, embedding []float32) error {
	_, err := s.conn.Exec(ctx, upsertVectorSQL,
		id, campaignID, string(kind),
		pgvector.NewVector(embedding),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// SearchVectors returns the top-k nearest neighbors of the query embedding
// within one campaign and kind, ordered by descending cosine similarity.
func (s *Storage) SearchVectors(ctx context.Context, campaignID string, kind common.Kind, embedding []float32, k int) ([]store.VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.conn.Query(ctx, searchVectorsSQL,
		campaignID, string(kind),
		pgvector.NewVector(embedding),
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	hits := make([]store.VectorHit, 0, k)
	for rows.Next() {
		var hit store.VectorHit
		if err := rows.Scan(&hit.ID, &hit.Score); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// DeleteVector removes an entity's embedding from the index.
func (s *Storage) DeleteVector(ctx context.Context, campaignID string, id string) error {
	_, err := s.conn.Exec(ctx,
		`DELETE FROM embeddings WHERE campaign_id = $1 AND entity_id = $2`,
		campaignID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}
