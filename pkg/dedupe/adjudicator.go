package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/track"
)

// Adjudicator decides whether a new entity duplicates one of its candidates.
//
// The decision is numeric first and model-assisted second: a top candidate
// at or above the auto-merge threshold merges without a model call, one
// below the ambiguous threshold is dismissed without a model call, and only
// the gray band in between is sent to the model. The threshold comparisons
// are exact (>= and <), so boundary scores classify the same way every run.
type Adjudicator struct {
	cfg      *Config
	aiClient ai.AIClient
	tracker  track.Tracker
}

func NewAdjudicator(cfg *Config, aiClient ai.AIClient, tracker track.Tracker) *Adjudicator {
	if tracker == nil {
		tracker = track.Noop{}
	}
	return &Adjudicator{cfg: cfg, aiClient: aiClient, tracker: tracker}
}

// Adjudicate classifies entity against candidates. It never returns an
// error: a failed or unparsable model interaction degrades to a no-match
// decision, because a false negative costs a missed merge while a false
// positive silently corrupts the graph.
func (a *Adjudicator) Adjudicate(ctx context.Context, entity *common.Entity, candidates []common.CandidateMatch) Decision {
	if len(candidates) == 0 {
		return Decision{Kind: DecisionNoMatch}
	}

	top := candidates[0]
	if top.Score >= a.cfg.AutoMergeThreshold {
		logger.Debug("[Dedupe] Auto-merge by similarity", "score", top.Score, "target", top.Entity.ID)
		return Decision{Kind: DecisionAutoMerge, TargetID: top.Entity.ID, Confidence: ai.ConfidenceHigh}
	}
	if top.Score < a.cfg.AmbiguousThreshold {
		return Decision{Kind: DecisionNoMatch}
	}

	if len(candidates) > a.cfg.MaxLLMCandidates {
		candidates = candidates[:a.cfg.MaxLLMCandidates]
	}

	var opts []ai.GenerateOption
	if a.cfg.ChatModel != "" {
		opts = append(opts, ai.WithModel(a.cfg.ChatModel))
	}

	start := time.Now()
	res, err := ai.CallAdjudicateAI(ctx, entity, candidates, a.aiClient, a.cfg.LLMRetries, opts...)
	a.emitTrace(entity, res, time.Since(start), err)
	if err != nil {
		logger.Warn("[Dedupe] Adjudication failed, degrading to no-match",
			"campaign_id", entity.CampaignID,
			"error", fmt.Errorf("%w: %v", ErrProvider, err),
		)
		return Decision{Kind: DecisionNoMatch}
	}

	switch {
	case res.Verdict == ai.VerdictDuplicate && res.Confidence == ai.ConfidenceHigh:
		return Decision{
			Kind:       DecisionAutoMerge,
			TargetID:   res.MatchID,
			Confidence: res.Confidence,
			Reasoning:  res.Reasoning,
		}
	case res.Verdict == ai.VerdictDuplicate || res.Verdict == ai.VerdictRelated:
		return Decision{
			Kind:         DecisionAmbiguous,
			Confidence:   res.Confidence,
			CandidateIDs: candidateIDs(candidates),
			Reasoning:    res.Reasoning,
		}
	default:
		return Decision{Kind: DecisionNoMatch, Confidence: res.Confidence, Reasoning: res.Reasoning}
	}
}

func (a *Adjudicator) emitTrace(entity *common.Entity, res *ai.AdjudicationResponse, elapsed time.Duration, err error) {
	trace := track.GenerationTrace{
		Name:       "dedupe_adjudication",
		CampaignID: entity.CampaignID,
		Prompt:     entity.TextRepresentation(),
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err != nil {
		trace.Error = err.Error()
	} else if res != nil {
		trace.Response = fmt.Sprintf("%s/%s: %s", res.Verdict, res.Confidence, res.Reasoning)
	}
	metrics := a.aiClient.GetMetrics()
	trace.InputTokens = metrics.InputTokens
	trace.OutputTokens = metrics.OutputTokens
	a.tracker.TraceGeneration(trace)
}

func candidateIDs(candidates []common.CandidateMatch) []string {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Entity != nil {
			ids = append(ids, c.Entity.ID)
		}
	}
	return ids
}
