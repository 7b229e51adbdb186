package track

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	ingestionPath    = "/api/public/ingestion"
	defaultBatchSize = 20
	flushInterval    = 5 * time.Second
	bufferSize       = 256
)

// LangfuseTracker ships generation traces to a Langfuse-compatible batch
// ingestion endpoint. Traces are buffered on a channel and posted by a
// background worker; when the buffer is full new traces are dropped with a
// debug log rather than blocking the caller.
type LangfuseTracker struct {
	host      string
	publicKey string
	secretKey string

	client *http.Client
	events chan GenerationTrace
	done   chan struct{}
}

// NewLangfuseTrackerParams configures a LangfuseTracker.
type NewLangfuseTrackerParams struct {
	Host      string
	PublicKey string
	SecretKey string
}

// NewLangfuseTracker creates a tracker and starts its delivery worker. Call
// Flush during shutdown to drain buffered traces.
func NewLangfuseTracker(params NewLangfuseTrackerParams) *LangfuseTracker {
	t := &LangfuseTracker{
		host:      params.Host,
		publicKey: params.PublicKey,
		secretKey: params.SecretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		events:    make(chan GenerationTrace, bufferSize),
		done:      make(chan struct{}),
	}
	go t.deliverLoop()
	return t
}

// TraceGeneration enqueues a trace for background delivery. Never blocks.
func (t *LangfuseTracker) TraceGeneration(trace GenerationTrace) {
	if trace.Timestamp.IsZero() {
		trace.Timestamp = time.Now().UTC()
	}
	select {
	case t.events <- trace:
	default:
		logger.Debug("[Track] Trace buffer full, dropping trace", "name", trace.Name)
	}
}

// Flush drains buffered traces and stops the delivery worker. Subsequent
// traces are dropped.
func (t *LangfuseTracker) Flush(ctx context.Context) {
	close(t.events)
	select {
	case <-t.done:
	case <-ctx.Done():
	}
}

func (t *LangfuseTracker) deliverLoop() {
	defer close(t.done)

	batch := make([]GenerationTrace, 0, defaultBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		t.postBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case trace, ok := <-t.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, trace)
			if len(batch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type ingestionEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Body      any    `json:"body"`
}

type ingestionBatch struct {
	Batch []ingestionEvent `json:"batch"`
}

func (t *LangfuseTracker) postBatch(traces []GenerationTrace) {
	events := make([]ingestionEvent, 0, len(traces))
	for _, trace := range traces {
		id, err := gonanoid.New()
		if err != nil {
			continue
		}
		events = append(events, ingestionEvent{
			ID:        id,
			Type:      "generation-create",
			Timestamp: trace.Timestamp.Format(time.RFC3339Nano),
			Body: map[string]any{
				"name":  trace.Name,
				"model": trace.Model,
				"input": trace.Prompt,
				"output": map[string]any{
					"response": trace.Response,
					"error":    trace.Error,
				},
				"metadata": map[string]any{
					"campaign_id": trace.CampaignID,
					"duration_ms": trace.DurationMs,
				},
				"usage": map[string]any{
					"input":  trace.InputTokens,
					"output": trace.OutputTokens,
				},
			},
		})
	}
	if len(events) == 0 {
		return
	}

	payload, err := json.Marshal(ingestionBatch{Batch: events})
	if err != nil {
		logger.Debug("[Track] Failed to marshal trace batch", "err", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, t.host+ingestionPath, bytes.NewReader(payload))
	if err != nil {
		logger.Debug("[Track] Failed to build ingestion request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(t.publicKey, t.secretKey)

	res, err := t.client.Do(req)
	if err != nil {
		logger.Debug("[Track] Trace delivery failed", "err", err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		logger.Debug("[Track] Trace delivery rejected", "status", fmt.Sprintf("%d", res.StatusCode))
	}
}
