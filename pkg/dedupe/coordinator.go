package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/store"
	"github.com/fernwood-labs/lorekeeper/pkg/track"

	"github.com/google/uuid"
)

// Resolution actions a human can take on a pending decision.
const (
	ResolveMerge     = "merge"
	ResolveCreateNew = "create_new"
)

// Resolution is the human choice for a pending decision. CandidateID names
// the merge target and may be omitted when exactly one candidate exists.
type Resolution struct {
	Action      string `json:"action" validate:"required,oneof=merge create_new"`
	CandidateID string `json:"candidate_id,omitempty"`
}

// Coordinator runs the per-entity deduplication pipeline: candidate
// retrieval, adjudication, then merge, create, or stage-for-confirmation.
// It is the only component that writes to both the graph store and the
// vector index, and it keeps the two in step: every content change is
// followed by an embedding refresh in the same logical operation.
type Coordinator struct {
	cfg         *Config
	aiClient    ai.AIClient
	vectors     store.VectorIndex
	graph       store.GraphStore
	finder      *Finder
	adjudicator *Adjudicator
	sessions    *SessionManager
}

func NewCoordinator(
	cfg *Config,
	aiClient ai.AIClient,
	vectors store.VectorIndex,
	graph store.GraphStore,
	sessions *SessionManager,
	tracker track.Tracker,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		aiClient:    aiClient,
		vectors:     vectors,
		graph:       graph,
		finder:      NewFinder(aiClient, vectors, graph),
		adjudicator: NewAdjudicator(cfg, aiClient, tracker),
		sessions:    sessions,
	}
}

// Sessions exposes the pending-decision registry for read access and for
// attaching deferred relations.
func (c *Coordinator) Sessions() *SessionManager {
	return c.sessions
}

// ProcessEntity deduplicates one extracted entity against the campaign's
// existing graph. It always terminates with a safe outcome: any failure in
// retrieval or adjudication degrades to creating the entity as new, because
// a missed merge is recoverable and lost note content is not.
func (c *Coordinator) ProcessEntity(ctx context.Context, entity *common.Entity) (Outcome, error) {
	if err := validateEntity(entity); err != nil {
		return Outcome{}, err
	}
	now := time.Now().UTC()
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	// Identical display keys are duplicates by definition, no similarity
	// search or model call needed.
	existing, err := c.graph.GetEntityByKey(ctx, entity.CampaignID, entity.Kind, entity.DisplayKey())
	if err == nil {
		outcome, mergeErr := c.tryMerge(ctx, existing.ID, entity)
		if mergeErr == nil {
			return outcome, nil
		}
		logger.Warn("[Dedupe] Exact-key merge failed, creating as new", "target", existing.ID, "error", mergeErr)
		return c.createEntity(ctx, entity)
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("[Dedupe] Exact-key lookup failed", "campaign_id", entity.CampaignID, "error", err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	candidates, err := c.finder.FindCandidates(stageCtx, entity, c.cfg.MaxCandidates)
	cancel()
	if err != nil {
		logger.Warn("[Dedupe] Candidate retrieval failed, creating without dedup",
			"campaign_id", entity.CampaignID, "error", err)
		return c.createEntity(ctx, entity)
	}
	if len(candidates) == 0 {
		return c.createEntity(ctx, entity)
	}

	stageCtx, cancel = context.WithTimeout(ctx, c.cfg.StageTimeout)
	decision := c.adjudicator.Adjudicate(stageCtx, entity, candidates)
	cancel()

	switch decision.Kind {
	case DecisionAutoMerge:
		target := candidateByID(candidates, decision.TargetID)
		if entity.Kind == common.KindRelation && target != nil && !endpointsMatch(entity, target) {
			logger.Warn("[Dedupe] Relation merge target has different endpoints, creating as new",
				"target", decision.TargetID)
			return c.createEntity(ctx, entity)
		}
		outcome, err := c.tryMerge(ctx, decision.TargetID, entity)
		if err != nil {
			logger.Warn("[Dedupe] Merge failed, creating as new", "target", decision.TargetID, "error", err)
			return c.createEntity(ctx, entity)
		}
		return outcome, nil

	case DecisionAmbiguous:
		token, err := c.sessions.Register(PendingDecision{
			CampaignID:   entity.CampaignID,
			Entity:       entity,
			CandidateIDs: decision.CandidateIDs,
			Reasoning:    decision.Reasoning,
			Confidence:   decision.Confidence,
		})
		if errors.Is(err, ErrDuplicatePending) {
			logger.Debug("[Dedupe] Reusing pending session for equivalent entity", "token", token)
			return Outcome{Status: OutcomePending, SessionToken: token}, nil
		}
		if err != nil {
			logger.Warn("[Dedupe] Session registration failed, creating as new", "error", err)
			return c.createEntity(ctx, entity)
		}
		logger.Debug("[Dedupe] Staged ambiguous decision",
			"token", token, "campaign_id", entity.CampaignID, "candidates", len(decision.CandidateIDs))
		return Outcome{Status: OutcomePending, SessionToken: token}, nil

	default:
		return c.createEntity(ctx, entity)
	}
}

// ResolveSession executes a human choice for a pending decision: merge into
// the chosen candidate or create the entity as new. The session entry is
// consumed either way, then any relations deferred behind it are processed.
func (c *Coordinator) ResolveSession(ctx context.Context, token string, resolution Resolution) (Outcome, error) {
	pending, err := c.sessions.Get(token)
	if err != nil {
		return Outcome{}, err
	}

	candidateID := resolution.CandidateID
	switch resolution.Action {
	case ResolveMerge:
		if candidateID == "" && len(pending.CandidateIDs) == 1 {
			candidateID = pending.CandidateIDs[0]
		}
		if !containsString(pending.CandidateIDs, candidateID) {
			return Outcome{}, fmt.Errorf("%w: candidate %q is not part of this decision", ErrValidation, candidateID)
		}
	case ResolveCreateNew:
	default:
		return Outcome{}, fmt.Errorf("%w: unknown action %q", ErrValidation, resolution.Action)
	}

	pending, err = c.sessions.Take(token)
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	if resolution.Action == ResolveMerge {
		outcome, err = c.tryMerge(ctx, candidateID, pending.Entity)
		if err != nil {
			logger.Warn("[Dedupe] Confirmed merge failed, creating as new", "target", candidateID, "error", err)
			outcome, err = c.createEntity(ctx, pending.Entity)
		}
	} else {
		outcome, err = c.createEntity(ctx, pending.Entity)
	}
	if err != nil {
		return Outcome{}, err
	}

	c.processDeferredRelations(ctx, pending, outcome)
	return outcome, nil
}

// GetPendingDecision returns a read-only snapshot of a pending decision for
// display in the confirmation UI.
func (c *Coordinator) GetPendingDecision(token string) (*PendingDecision, error) {
	return c.sessions.Get(token)
}

func (c *Coordinator) createEntity(ctx context.Context, entity *common.Entity) (Outcome, error) {
	if err := c.graph.CreateEntity(ctx, entity); err != nil {
		return Outcome{}, fmt.Errorf("failed to create entity: %w", err)
	}

	embedding, err := c.aiClient.GenerateEmbedding(ctx, []byte(entity.TextRepresentation()))
	if err == nil {
		err = c.vectors.UpsertVector(ctx, entity.CampaignID, entity.Kind, entity.ID, embedding)
	}
	if err != nil {
		logger.Warn("[Dedupe] Entity created without embedding", "entity_id", entity.ID, "error", err)
	}

	logger.Debug("[Dedupe] Created entity", "entity_id", entity.ID, "kind", entity.Kind)
	return Outcome{Status: OutcomeCreated, EntityID: entity.ID}, nil
}

// tryMerge merges src into the target entity, retrying once with fresh
// reads on failure.
func (c *Coordinator) tryMerge(ctx context.Context, targetID string, src *common.Entity) (Outcome, error) {
	err := c.mergeOnce(ctx, targetID, src)
	if err != nil {
		logger.Warn("[Dedupe] Merge attempt failed, retrying once", "target", targetID, "error", err)
		err = c.mergeOnce(ctx, targetID, src)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeMerged, EntityID: targetID}, nil
}

// mergeOnce absorbs src into the target inside one graph transaction. The
// target row is locked for the duration, serializing concurrent merges to
// the same entity. The duplicate src is never persisted as its own node;
// only its note provenance and descriptive text survive.
func (c *Coordinator) mergeOnce(ctx context.Context, targetID string, src *common.Entity) error {
	var merged *common.Entity
	err := c.graph.RunTransaction(ctx, func(ctx context.Context, tx store.GraphTx) error {
		target, err := tx.GetEntityForUpdate(ctx, src.CampaignID, targetID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidMergeTarget, targetID)
		}
		if err != nil {
			return err
		}
		if src.Kind == common.KindRelation && !endpointsMatch(src, target) {
			return fmt.Errorf("%w: relation endpoints differ", ErrInvalidMergeTarget)
		}

		target.AddNotes(src.NoteIDs)
		target.Description = mergeText(target.Description, src.Description)
		if target.Kind == common.KindRelation {
			target.Reasoning = mergeText(target.Reasoning, src.Reasoning)
		}
		target.UpdatedAt = time.Now().UTC()

		if err := tx.UpdateEntity(ctx, target); err != nil {
			return err
		}
		merged = target
		return nil
	})
	if err != nil {
		return err
	}

	c.refreshEmbedding(ctx, merged)
	logger.Debug("[Dedupe] Merged entity", "target", targetID, "kind", merged.Kind)
	return nil
}

// refreshEmbedding re-embeds the entity's current text and upserts the
// vector. If the refresh fails, the old vector is dropped: a stale vector
// silently degrades future candidate retrieval, a missing one only costs a
// lookup.
func (c *Coordinator) refreshEmbedding(ctx context.Context, entity *common.Entity) {
	embedding, err := c.aiClient.GenerateEmbedding(ctx, []byte(entity.TextRepresentation()))
	if err == nil {
		err = c.vectors.UpsertVector(ctx, entity.CampaignID, entity.Kind, entity.ID, embedding)
	}
	if err == nil {
		return
	}

	logger.Error("[Dedupe] Embedding refresh failed, dropping old vector", "entity_id", entity.ID, "error", err)
	if delErr := c.vectors.DeleteVector(ctx, entity.CampaignID, entity.ID); delErr != nil {
		logger.Error("[Dedupe] Failed to drop old vector", "entity_id", entity.ID, "error", delErr)
	}
}

func (c *Coordinator) processDeferredRelations(ctx context.Context, pending *PendingDecision, outcome Outcome) {
	if len(pending.DeferredRelations) == 0 {
		return
	}

	canonical := pending.Entity.Name
	if outcome.Status == OutcomeMerged {
		if target, err := c.graph.GetEntity(ctx, pending.CampaignID, outcome.EntityID); err == nil {
			canonical = target.Name
		}
	}
	original := common.NormalizeKeyPart(pending.Entity.Name)

	for _, rel := range pending.DeferredRelations {
		if common.NormalizeKeyPart(rel.Source) == original {
			rel.Source = canonical
		}
		if common.NormalizeKeyPart(rel.Target) == original {
			rel.Target = canonical
		}

		// The other endpoint may still be pending behind another session.
		if token, ok := c.pendingEndpoint(rel); ok {
			if err := c.sessions.AttachRelations(token, rel); err == nil {
				continue
			}
		}

		if _, err := c.ProcessEntity(ctx, rel); err != nil {
			logger.Warn("[Dedupe] Deferred relation processing failed",
				"source", rel.Source, "target", rel.Target, "error", err)
		}
	}
}

func (c *Coordinator) pendingEndpoint(rel *common.Entity) (string, bool) {
	if token, ok := c.sessions.FindByArtifactName(rel.CampaignID, rel.Source); ok {
		return token, true
	}
	return c.sessions.FindByArtifactName(rel.CampaignID, rel.Target)
}

// mergeText combines two descriptive strings without losing either side.
func mergeText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return a + " | " + b
	}
}

func endpointsMatch(a, b *common.Entity) bool {
	return common.NormalizeKeyPart(a.Source) == common.NormalizeKeyPart(b.Source) &&
		common.NormalizeKeyPart(a.Target) == common.NormalizeKeyPart(b.Target)
}

func candidateByID(candidates []common.CandidateMatch, id string) *common.Entity {
	for _, c := range candidates {
		if c.Entity != nil && c.Entity.ID == id {
			return c.Entity
		}
	}
	return nil
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func validateEntity(entity *common.Entity) error {
	if entity == nil {
		return fmt.Errorf("%w: entity is nil", ErrValidation)
	}
	if entity.CampaignID == "" {
		return fmt.Errorf("%w: campaign id is required", ErrValidation)
	}
	switch entity.Kind {
	case common.KindArtifact:
		if entity.Name == "" || entity.Type == "" {
			return fmt.Errorf("%w: artifact requires name and type", ErrValidation)
		}
	case common.KindRelation:
		if entity.Source == "" || entity.Target == "" || entity.Label == "" {
			return fmt.Errorf("%w: relation requires source, target and label", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrValidation, entity.Kind)
	}
	return nil
}
