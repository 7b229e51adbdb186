package store

import (
	"context"
	"errors"

	"github.com/fernwood-labs/lorekeeper/pkg/common"
)

// ErrNotFound is returned by lookup methods when no matching record exists.
var ErrNotFound = errors.New("record not found")

// VectorHit is one nearest-neighbor result from the vector index.
type VectorHit struct {
	ID    string
	Score float64
}

// VectorIndex is the nearest-neighbor store for entity embeddings. Vectors
// are scoped to a campaign and tagged with a kind; search never crosses
// either boundary.
//
// The index is not the source of truth for entity content: a hit whose
// entity no longer exists in the GraphStore is stale and must be skipped by
// callers.
type VectorIndex interface {
	UpsertVector(ctx context.Context, campaignID string, kind common.Kind, id string, embedding []float32) error
	SearchVectors(ctx context.Context, campaignID string, kind common.Kind, embedding []float32, k int) ([]VectorHit, error)
	DeleteVector(ctx context.Context, campaignID string, id string) error
}

// GraphTx exposes the operations available inside a graph transaction.
// GetEntityForUpdate takes a row lock on the entity, serializing concurrent
// merges against the same target.
type GraphTx interface {
	GetEntityForUpdate(ctx context.Context, campaignID, id string) (*common.Entity, error)
	UpdateEntity(ctx context.Context, entity *common.Entity) error
}

// GraphStore persists campaign knowledge-graph entities and their note
// provenance. It is the source of truth for entity content.
type GraphStore interface {
	CreateEntity(ctx context.Context, entity *common.Entity) error
	GetEntity(ctx context.Context, campaignID, id string) (*common.Entity, error)
	GetEntityByKey(ctx context.Context, campaignID string, kind common.Kind, displayKey string) (*common.Entity, error)
	ListEntities(ctx context.Context, campaignID string, kind common.Kind) ([]common.Entity, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx GraphTx) error) error
}

// NoteStore persists submitted notes.
type NoteStore interface {
	SaveNote(ctx context.Context, note *common.Note) error
	GetNote(ctx context.Context, campaignID, id string) (*common.Note, error)
}
