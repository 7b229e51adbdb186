package ai

import (
	"context"
	"fmt"

	"github.com/fernwood-labs/lorekeeper/internal/util"
)

// ExtractedArtifact is one artifact the extraction model found in a note.
type ExtractedArtifact struct {
	Name        string `json:"name" jsonschema_description:"Most complete name the note gives for the artifact."`
	Type        string `json:"type" jsonschema:"enum=character,enum=location,enum=item,enum=event" jsonschema_description:"Artifact category."`
	Description string `json:"description" jsonschema_description:"One or two sentences grounded in the note text."`
}

// ExtractedRelation is one directed edge between two extracted artifacts.
type ExtractedRelation struct {
	Source      string `json:"source" jsonschema_description:"Name of the source artifact."`
	Target      string `json:"target" jsonschema_description:"Name of the target artifact."`
	Label       string `json:"label" jsonschema_description:"Short lowercase relationship label."`
	Description string `json:"description" jsonschema_description:"Evidence for the relationship."`
	Reasoning   string `json:"reasoning" jsonschema_description:"Why the model believes the relationship holds."`
}

// ExtractionResponse is the structured output of the note extraction call.
type ExtractionResponse struct {
	Artifacts []ExtractedArtifact `json:"artifacts" jsonschema_description:"Artifacts mentioned in the note."`
	Relations []ExtractedRelation `json:"relations" jsonschema_description:"Relationships between extracted artifacts."`
}

// CallExtractAI extracts artifacts and relations from a note's text.
func CallExtractAI(
	ctx context.Context,
	noteText string,
	aiClient AIClient,
	maxRetries int,
) (*ExtractionResponse, error) {
	if aiClient == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	noteText = util.SanitizePostgresText(noteText)
	if noteText == "" {
		return &ExtractionResponse{}, nil
	}

	prompt := fmt.Sprintf(ExtractPrompt, noteText)

	var res ExtractionResponse
	err := util.RetryErrWithContext(ctx, maxRetries, func(ctx context.Context) error {
		return aiClient.GenerateCompletionWithFormat(
			ctx,
			"extract_note",
			"Extract artifacts and relationships from a campaign note.",
			prompt,
			&res,
			WithSystemPrompts(ExtractSystemPrompt),
		)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
