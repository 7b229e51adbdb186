package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/util"
)

// Kind classifies what a stored record represents. Every vector in the
// index and every row in the entity store carries exactly one kind, and
// candidate retrieval never crosses kinds.
type Kind string

const (
	KindArtifact Kind = "artifact"
	KindRelation Kind = "relation"
	KindNote     Kind = "note"
)

// Entity is the unified record for artifacts and relations inside a
// campaign's knowledge graph.
//
// Artifacts are narrative entities (characters, locations, items, events)
// and use Name/Type. Relations are labeled directed edges between two
// artifacts and use Source/Target/Label plus an optional Reasoning string
// carried over from extraction.
//
// NoteIDs records which notes contributed evidence for this entity. Merges
// union this set; it never shrinks.
type Entity struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	CampaignID string `json:"campaign_id"`

	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`

	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
	Label  string `json:"label,omitempty"`

	Description string `json:"description"`
	Reasoning   string `json:"reasoning,omitempty"`

	NoteIDs []string `json:"note_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is a freeform narrative note submitted for a campaign. Notes are the
// provenance units of the graph: every entity keeps the set of note IDs it
// was observed in.
type Note struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// CandidateMatch pairs an existing entity with its similarity score against
// a new entity. Transient to a single adjudication call, never persisted.
type CandidateMatch struct {
	Entity *Entity
	Score  float64
}

// DisplayKey returns the normalized identity key used for exact-match graph
// lookups. Artifacts key on name and type; relations key on the endpoint
// names plus the label.
func (e *Entity) DisplayKey() string {
	if e.Kind == KindRelation {
		return NormalizeKeyPart(e.Source) + "|" + NormalizeKeyPart(e.Label) + "|" + NormalizeKeyPart(e.Target)
	}
	return NormalizeKeyPart(e.Name) + "|" + NormalizeKeyPart(e.Type)
}

// TextRepresentation derives the string that is embedded for similarity
// search. It must be recomputed whenever Description (or, for relations,
// Reasoning) changes; the stored vector always reflects the latest value.
func (e *Entity) TextRepresentation() string {
	if e.Kind == KindRelation {
		var b strings.Builder
		fmt.Fprintf(&b, "%s -[%s]-> %s", e.Source, e.Label, e.Target)
		if e.Description != "" {
			b.WriteString(": ")
			b.WriteString(e.Description)
		}
		if e.Reasoning != "" {
			b.WriteString(". ")
			b.WriteString(e.Reasoning)
		}
		return b.String()
	}

	if e.Description == "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.Type)
	}
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Type, e.Description)
}

// HasNote reports whether the entity already carries provenance for noteID.
func (e *Entity) HasNote(noteID string) bool {
	for _, id := range e.NoteIDs {
		if id == noteID {
			return true
		}
	}
	return false
}

// AddNotes unions noteIDs into the entity's provenance set, preserving order
// of first appearance.
func (e *Entity) AddNotes(noteIDs []string) {
	for _, id := range noteIDs {
		if id == "" || e.HasNote(id) {
			continue
		}
		e.NoteIDs = append(e.NoteIDs, id)
	}
}

// NormalizeKeyPart standardizes one display-key component: trimmed,
// whitespace collapsed, uppercased.
func NormalizeKeyPart(value string) string {
	return strings.ToUpper(util.CollapseWhitespace(value))
}
