package track

import (
	"context"
	"time"
)

// GenerationTrace records one LLM interaction for observability. Traces are
// advisory: emitting them must never block or fail the operation that
// produced them.
type GenerationTrace struct {
	Name         string    `json:"name"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Response     string    `json:"response,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Tracker receives generation traces. Implementations must return
// immediately; delivery happens in the background.
type Tracker interface {
	TraceGeneration(trace GenerationTrace)
	Flush(ctx context.Context)
}

// Noop is a Tracker that discards everything. Used when tracing is not
// configured and in tests.
type Noop struct{}

func (Noop) TraceGeneration(GenerationTrace) {}
func (Noop) Flush(context.Context)           {}
