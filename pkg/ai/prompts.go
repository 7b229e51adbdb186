package ai

const AdjudicateSystemPrompt = `You are a careful assistant that decides
whether a newly extracted entry in a campaign-notes knowledge graph refers to
the same real-world thing as one of the existing entries retrieved as
candidates.`

const AdjudicatePrompt = `
# Background Data
New entry:
%s

Candidate existing entries (ordered by similarity, most similar first):
%s

# Detailed Task Description & Rules
- Classify the new entry against the candidates as exactly one of:
  * "duplicate": the new entry and one candidate describe the same thing.
  * "related": the new entry is connected to a candidate but is a distinct
    thing (e.g. "Gandalf" vs "Gandalf's staff", an organization vs one of
    its members, a city vs a district of that city).
  * "unrelated": none of the candidates describe the same or a closely
    connected thing.
- If the verdict is "duplicate", set "match_id" to the id of the matching
  candidate. Otherwise leave "match_id" empty.
- Set "confidence" to "high" only when the identity is unmistakable from the
  provided text. Use "medium" when the match is plausible but the texts could
  also describe two different things. Use "low" when you are mostly guessing.
- Alternate spellings, titles, epithets, and partial names of the same
  individual are duplicates (e.g. "Gandalf" and "Gandalf the Grey").
- Different individuals sharing a family name or faction are NOT duplicates.
- Explain your decision in one or two sentences in "reasoning".

# Output Formatting
Return a JSON object with this structure:
{
  "verdict": "duplicate" | "related" | "unrelated",
  "match_id": "<candidate id or empty>",
  "confidence": "high" | "medium" | "low",
  "reasoning": "<short explanation>"
}
`

const ExtractSystemPrompt = `You are an assistant that extracts structured
knowledge from freeform tabletop-campaign notes: the artifacts mentioned
(characters, locations, items, events) and the relationships between them.`

const ExtractPrompt = `
# Background Data
Note text:
%s

# Detailed Task Description & Rules
- Extract every distinct artifact the note mentions. Allowed types:
  "character", "location", "item", "event".
- For each artifact provide a one- or two-sentence description grounded only
  in the note text. Do not invent facts.
- Extract relationships as directed edges between two extracted artifacts,
  with a short lowercase label (e.g. "ally_of", "located_in", "owns",
  "attended") and a description of the evidence.
- Only emit a relationship if BOTH endpoints appear in the artifacts list.
- Use the most complete name the note gives for each artifact.

# Output Formatting
Return a JSON object with this structure:
{
  "artifacts": [
    {"name": "...", "type": "...", "description": "..."}
  ],
  "relations": [
    {"source": "...", "target": "...", "label": "...", "description": "...", "reasoning": "..."}
  ]
}
`
