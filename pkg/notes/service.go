// Package notes runs the note ingestion pipeline: extraction of artifacts
// and relations from the note text, followed by per-entity deduplication
// against the campaign's knowledge graph.
package notes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/dedupe"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/store"

	"golang.org/x/sync/errgroup"
)

// EntityOutcome pairs an extracted entity's display name with what the
// deduplication pipeline did with it.
type EntityOutcome struct {
	Name    string         `json:"name"`
	Outcome dedupe.Outcome `json:"outcome"`
}

// Result summarizes one processed note. Deferred counts relations parked on
// pending artifact sessions; they complete when those sessions resolve.
type Result struct {
	NoteID    string          `json:"note_id"`
	Artifacts []EntityOutcome `json:"artifacts"`
	Relations []EntityOutcome `json:"relations"`
	Deferred  int             `json:"deferred"`
}

// Service orchestrates note processing. Artifacts are deduplicated in
// parallel; relations run afterwards so endpoint names can be remapped to
// their canonical merged form, and a relation whose endpoint is still
// awaiting human confirmation is deferred rather than guessed at.
type Service struct {
	aiClient ai.AIClient
	coord    *dedupe.Coordinator
	graph    store.GraphStore
	notes    store.NoteStore

	parallel int
	retries  int
	timeout  time.Duration
}

func NewService(aiClient ai.AIClient, coord *dedupe.Coordinator, graph store.GraphStore, noteStore store.NoteStore) *Service {
	return &Service{
		aiClient: aiClient,
		coord:    coord,
		graph:    graph,
		notes:    noteStore,
		parallel: int(util.GetEnvNumeric("DEDUPE_PARALLEL", 4)),
		retries:  int(util.GetEnvNumeric("AI_RETRIES", 3)),
		timeout:  time.Duration(util.GetEnvNumeric("NOTE_TIMEOUT_MS", 60*1000)) * time.Millisecond,
	}
}

// SaveNote persists a submitted note. Storage is the only hard requirement
// of note submission; everything downstream degrades.
func (s *Service) SaveNote(ctx context.Context, note *common.Note) error {
	return s.notes.SaveNote(ctx, note)
}

// GetNote loads a stored note.
func (s *Service) GetNote(ctx context.Context, campaignID, id string) (*common.Note, error) {
	return s.notes.GetNote(ctx, campaignID, id)
}

// ProcessNote extracts entities from a stored note and runs each through
// deduplication. A failed entity never aborts its siblings.
func (s *Service) ProcessNote(ctx context.Context, note *common.Note) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.aiClient.ResetMetrics()

	text := note.Text
	if note.Title != "" {
		text = note.Title + "\n\n" + note.Text
	}
	extraction, err := ai.CallExtractAI(ctx, text, s.aiClient, s.retries)
	if err != nil {
		return nil, fmt.Errorf("failed to extract note %s: %w", note.ID, err)
	}
	logger.Debug("[Notes] Extraction complete",
		"note_id", note.ID,
		"artifacts", len(extraction.Artifacts),
		"relations", len(extraction.Relations),
	)

	result := &Result{NoteID: note.ID}
	// Extracted name (normalized) to canonical graph name, filled in as
	// artifacts merge into existing entities.
	canonical := make(map[string]string)
	// Extracted name (normalized) to session token for artifacts staged
	// for human confirmation in this note.
	pendingTokens := make(map[string]string)
	var mu sync.Mutex

	outcomes := make([]EntityOutcome, len(extraction.Artifacts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallel)
	for i, extracted := range extraction.Artifacts {
		group.Go(func() error {
			entity := &common.Entity{
				Kind:        common.KindArtifact,
				CampaignID:  note.CampaignID,
				Name:        extracted.Name,
				Type:        strings.ToLower(extracted.Type),
				Description: extracted.Description,
				NoteIDs:     []string{note.ID},
			}
			outcome, err := s.coord.ProcessEntity(groupCtx, entity)
			if err != nil {
				logger.Warn("[Notes] Artifact dedup failed", "note_id", note.ID, "name", extracted.Name, "error", err)
				return nil
			}

			// Resolve the merge target's canonical name before taking
			// the mutex; the lookup blocks on the database.
			var canonicalTarget string
			if outcome.Status == dedupe.OutcomeMerged {
				if target, err := s.graph.GetEntity(groupCtx, note.CampaignID, outcome.EntityID); err == nil {
					canonicalTarget = target.Name
				}
			}

			mu.Lock()
			defer mu.Unlock()
			outcomes[i] = EntityOutcome{Name: extracted.Name, Outcome: outcome}
			key := common.NormalizeKeyPart(extracted.Name)
			switch outcome.Status {
			case dedupe.OutcomeMerged:
				if canonicalTarget != "" {
					canonical[key] = canonicalTarget
				}
			case dedupe.OutcomePending:
				pendingTokens[key] = outcome.SessionToken
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, o := range outcomes {
		if o.Name != "" {
			result.Artifacts = append(result.Artifacts, o)
		}
	}

	for _, extracted := range extraction.Relations {
		rel := &common.Entity{
			Kind:        common.KindRelation,
			CampaignID:  note.CampaignID,
			Source:      canonicalName(canonical, extracted.Source),
			Target:      canonicalName(canonical, extracted.Target),
			Label:       strings.ToLower(strings.TrimSpace(extracted.Label)),
			Description: extracted.Description,
			Reasoning:   extracted.Reasoning,
			NoteIDs:     []string{note.ID},
		}

		if token, ok := s.pendingEndpoint(pendingTokens, rel); ok {
			if err := s.coord.Sessions().AttachRelations(token, rel); err == nil {
				result.Deferred++
				logger.Debug("[Notes] Deferred relation behind pending artifact",
					"note_id", note.ID, "source", rel.Source, "target", rel.Target, "token", token)
				continue
			}
		}

		outcome, err := s.coord.ProcessEntity(ctx, rel)
		if err != nil {
			logger.Warn("[Notes] Relation dedup failed",
				"note_id", note.ID, "source", rel.Source, "target", rel.Target, "error", err)
			continue
		}
		result.Relations = append(result.Relations, EntityOutcome{
			Name:    fmt.Sprintf("%s -[%s]-> %s", rel.Source, rel.Label, rel.Target),
			Outcome: outcome,
		})
	}

	metrics := s.aiClient.GetMetrics()
	logger.Info("[Notes] Processed note",
		"note_id", note.ID,
		"campaign_id", note.CampaignID,
		"artifacts", len(result.Artifacts),
		"relations", len(result.Relations),
		"deferred", result.Deferred,
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"duration_ms", metrics.DurationMs,
	)
	return result, nil
}

// pendingEndpoint reports the session token of a pending artifact that one
// of the relation's endpoints references, checking this note's pending
// artifacts first and then the process-wide registry.
func (s *Service) pendingEndpoint(pendingTokens map[string]string, rel *common.Entity) (string, bool) {
	for _, name := range []string{rel.Source, rel.Target} {
		if token, ok := pendingTokens[common.NormalizeKeyPart(name)]; ok {
			return token, true
		}
		if token, ok := s.coord.Sessions().FindByArtifactName(rel.CampaignID, name); ok {
			return token, true
		}
	}
	return "", false
}

func canonicalName(canonical map[string]string, name string) string {
	if mapped, ok := canonical[common.NormalizeKeyPart(name)]; ok {
		return mapped
	}
	return strings.TrimSpace(name)
}
