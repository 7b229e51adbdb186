package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const insertNoteSQL = `
INSERT INTO notes (id, campaign_id, title, text, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title,
    text = EXCLUDED.text
`

// SaveNote persists a note. Saving an existing ID updates title and text.
func (s *Storage) SaveNote(ctx context.Context, note *common.Note) error {
	_, err := s.conn.Exec(ctx, insertNoteSQL,
		note.ID, note.CampaignID, note.Title, note.Text, note.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save note: %w", err)
	}
	return nil
}

// GetNote loads a note by ID, returning store.ErrNotFound when absent.
func (s *Storage) GetNote(ctx context.Context, campaignID, id string) (*common.Note, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT id, campaign_id, title, text, created_at FROM notes WHERE campaign_id = $1 AND id = $2`,
		campaignID, id,
	)

	var note common.Note
	err := row.Scan(&note.ID, &note.CampaignID, &note.Title, &note.Text, &note.CreatedAt)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}
