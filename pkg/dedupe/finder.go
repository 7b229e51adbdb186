package dedupe

import (
	"context"
	"errors"
	"fmt"

	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/store"
)

// Finder retrieves duplicate candidates for a new entity: it embeds the
// entity's text representation, searches the campaign's vector index within
// the same kind, and resolves the hits to full graph records.
type Finder struct {
	aiClient ai.AIClient
	vectors  store.VectorIndex
	graph    store.GraphStore
}

func NewFinder(aiClient ai.AIClient, vectors store.VectorIndex, graph store.GraphStore) *Finder {
	return &Finder{aiClient: aiClient, vectors: vectors, graph: graph}
}

// FindCandidates returns up to k existing entities of the same kind ordered
// by descending similarity. An empty result means no prior art and is not an
// error. Index hits whose graph record is gone are stale and are skipped.
//
// Embedding or index failures are reported as ErrDependencyUnavailable so
// the coordinator can degrade instead of blocking note processing.
func (f *Finder) FindCandidates(ctx context.Context, entity *common.Entity, k int) ([]common.CandidateMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > maxCandidateCap {
		k = maxCandidateCap
	}

	embedding, err := f.aiClient.GenerateEmbedding(ctx, []byte(entity.TextRepresentation()))
	if err != nil {
		return nil, fmt.Errorf("%w: embedding: %v", ErrDependencyUnavailable, err)
	}

	hits, err := f.vectors.SearchVectors(ctx, entity.CampaignID, entity.Kind, embedding, k)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", ErrDependencyUnavailable, err)
	}

	candidates := make([]common.CandidateMatch, 0, len(hits))
	for _, hit := range hits {
		record, err := f.graph.GetEntity(ctx, entity.CampaignID, hit.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("[Dedupe] Skipping stale vector hit", "entity_id", hit.ID, "campaign_id", entity.CampaignID)
				continue
			}
			logger.Warn("[Dedupe] Failed to resolve vector hit, skipping", "entity_id", hit.ID, "error", err)
			continue
		}
		candidates = append(candidates, common.CandidateMatch{Entity: record, Score: hit.Score})
	}

	logger.Debug("[Dedupe] Candidate retrieval complete",
		"campaign_id", entity.CampaignID,
		"kind", entity.Kind,
		"hits", len(hits),
		"resolved", len(candidates),
	)
	return candidates, nil
}
