package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/common"
)

// Verdict values returned by the adjudication model.
const (
	VerdictDuplicate = "duplicate"
	VerdictRelated   = "related"
	VerdictUnrelated = "unrelated"
)

// Confidence tiers returned by the adjudication model.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// AdjudicationResponse is the structured decision from the adjudication call.
type AdjudicationResponse struct {
	Verdict    string `json:"verdict" jsonschema:"enum=duplicate,enum=related,enum=unrelated" jsonschema_description:"Whether the new entry duplicates one of the candidates."`
	MatchID    string `json:"match_id" jsonschema_description:"ID of the matching candidate when verdict is duplicate, otherwise empty."`
	Confidence string `json:"confidence" jsonschema:"enum=high,enum=medium,enum=low" jsonschema_description:"How certain the classification is."`
	Reasoning  string `json:"reasoning" jsonschema_description:"Short explanation of the decision."`
}

// Validate checks the response against the candidate set. A response that
// decodes but names an unknown verdict, tier, or candidate is treated the
// same as an unparsable one by callers.
func (r *AdjudicationResponse) Validate(candidates []common.CandidateMatch) error {
	switch r.Verdict {
	case VerdictDuplicate, VerdictRelated, VerdictUnrelated:
	default:
		return fmt.Errorf("unknown verdict %q", r.Verdict)
	}
	switch r.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		return fmt.Errorf("unknown confidence %q", r.Confidence)
	}
	if r.Verdict == VerdictDuplicate {
		if r.MatchID == "" {
			return fmt.Errorf("duplicate verdict without match_id")
		}
		for _, c := range candidates {
			if c.Entity != nil && c.Entity.ID == r.MatchID {
				return nil
			}
		}
		return fmt.Errorf("match_id %q is not a candidate", r.MatchID)
	}
	return nil
}

// CallAdjudicateAI asks the model to classify a new entity against its
// candidate set. The caller is responsible for truncating candidates to a
// bounded count before calling.
func CallAdjudicateAI(
	ctx context.Context,
	entity *common.Entity,
	candidates []common.CandidateMatch,
	aiClient AIClient,
	maxRetries int,
	opts ...GenerateOption,
) (*AdjudicationResponse, error) {
	if aiClient == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if entity == nil {
		return nil, fmt.Errorf("entity is nil")
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("candidate set is empty")
	}

	var candidateData strings.Builder
	for i, c := range candidates {
		if c.Entity == nil {
			continue
		}
		fmt.Fprintf(&candidateData, "%d. id: %s\n   %s\n", i+1, c.Entity.ID, renderEntity(c.Entity))
	}
	prompt := fmt.Sprintf(AdjudicatePrompt, renderEntity(entity), candidateData.String())

	genOpts := append([]GenerateOption{
		WithSystemPrompts(AdjudicateSystemPrompt),
		WithTemperature(0.1),
	}, opts...)

	res, err := util.RetryWithBackoff(ctx, maxRetries, 0, func(ctx context.Context) (*AdjudicationResponse, error) {
		var out AdjudicationResponse
		err := aiClient.GenerateCompletionWithFormat(
			ctx,
			"adjudicate_entity",
			"Decide whether a new knowledge-graph entry duplicates an existing one.",
			prompt,
			&out,
			genOpts...,
		)
		if err != nil {
			return nil, err
		}
		if err := out.Validate(candidates); err != nil {
			return nil, fmt.Errorf("invalid adjudication response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func renderEntity(e *common.Entity) string {
	if e.Kind == common.KindRelation {
		s := fmt.Sprintf("relation: %s -[%s]-> %s", e.Source, e.Label, e.Target)
		if e.Description != "" {
			s += " - " + e.Description
		}
		return s
	}
	s := fmt.Sprintf("%s (type: %s)", e.Name, e.Type)
	if e.Description != "" {
		s += " - " + e.Description
	}
	return s
}
