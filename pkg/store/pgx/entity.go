package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const entityColumns = `id, campaign_id, kind, name, type, source, target, label, description, reasoning, created_at, updated_at`

const insertEntitySQL = `
INSERT INTO entities (id, campaign_id, kind, name, type, source, target, label, description, reasoning, display_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

const updateEntitySQL = `
UPDATE entities
SET name = $3, type = $4, source = $5, target = $6, label = $7,
    description = $8, reasoning = $9, display_key = $10, updated_at = $11
WHERE campaign_id = $1 AND id = $2
`

const insertEntityNoteSQL = `
INSERT INTO entity_notes (entity_id, note_id)
VALUES ($1, $2)
ON CONFLICT (entity_id, note_id) DO NOTHING
`

const selectEntityNotesSQL = `
SELECT note_id FROM entity_notes WHERE entity_id = $1 ORDER BY added_at
`

// CreateEntity inserts a new entity row and its note provenance.
func (s *Storage) CreateEntity(ctx context.Context, entity *common.Entity) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertEntitySQL,
		entity.ID, entity.CampaignID, string(entity.Kind),
		entity.Name, entity.Type,
		entity.Source, entity.Target, entity.Label,
		entity.Description, entity.Reasoning,
		entity.DisplayKey(),
		entity.CreatedAt, entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}

	for _, noteID := range entity.NoteIDs {
		if _, err := tx.Exec(ctx, insertEntityNoteSQL, entity.ID, noteID); err != nil {
			return fmt.Errorf("failed to insert entity note: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetEntity fetches one entity with its note provenance.
func (s *Storage) GetEntity(ctx context.Context, campaignID, id string) (*common.Entity, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE campaign_id = $1 AND id = $2`,
		campaignID, id,
	)
	entity, err := scanEntity(row)
	if err != nil {
		return nil, err
	}
	if err := loadEntityNotes(ctx, s.conn, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// GetEntityByKey fetches one entity by its normalized display key.
func (s *Storage) GetEntityByKey(ctx context.Context, campaignID string, kind common.Kind, displayKey string) (*common.Entity, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE campaign_id = $1 AND kind = $2 AND display_key = $3 ORDER BY created_at LIMIT 1`,
		campaignID, string(kind), displayKey,
	)
	entity, err := scanEntity(row)
	if err != nil {
		return nil, err
	}
	if err := loadEntityNotes(ctx, s.conn, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// ListEntities returns all entities of a kind in a campaign, without note
// provenance.
func (s *Storage) ListEntities(ctx context.Context, campaignID string, kind common.Kind) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE campaign_id = $1 AND kind = $2 ORDER BY updated_at DESC`,
		campaignID, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make([]common.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}

// GetEntityForUpdate fetches one entity inside the transaction, locking its
// row until the transaction ends.
func (t *graphTx) GetEntityForUpdate(ctx context.Context, campaignID, id string) (*common.Entity, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE campaign_id = $1 AND id = $2 FOR UPDATE`,
		campaignID, id,
	)
	entity, err := scanEntity(row)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, selectEntityNotesSQL, entity.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var noteID string
		if err := rows.Scan(&noteID); err != nil {
			return nil, err
		}
		entity.NoteIDs = append(entity.NoteIDs, noteID)
	}
	return entity, rows.Err()
}

// UpdateEntity rewrites the entity row and adds any new note provenance.
// Provenance rows are only ever added, never removed.
func (t *graphTx) UpdateEntity(ctx context.Context, entity *common.Entity) error {
	tag, err := t.tx.Exec(ctx, updateEntitySQL,
		entity.CampaignID, entity.ID,
		entity.Name, entity.Type,
		entity.Source, entity.Target, entity.Label,
		entity.Description, entity.Reasoning,
		entity.DisplayKey(),
		entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	for _, noteID := range entity.NoteIDs {
		if _, err := t.tx.Exec(ctx, insertEntityNoteSQL, entity.ID, noteID); err != nil {
			return fmt.Errorf("failed to insert entity note: %w", err)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*common.Entity, error) {
	var entity common.Entity
	var kind string
	err := row.Scan(
		&entity.ID, &entity.CampaignID, &kind,
		&entity.Name, &entity.Type,
		&entity.Source, &entity.Target, &entity.Label,
		&entity.Description, &entity.Reasoning,
		&entity.CreatedAt, &entity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	entity.Kind = common.Kind(kind)
	return &entity, nil
}

func loadEntityNotes(ctx context.Context, conn pgxIConn, entity *common.Entity) error {
	rows, err := conn.Query(ctx, selectEntityNotesSQL, entity.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var noteID string
		if err := rows.Scan(&noteID); err != nil {
			return err
		}
		entity.NoteIDs = append(entity.NoteIDs, noteID)
	}
	return rows.Err()
}
