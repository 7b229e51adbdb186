package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	"github.com/openai/openai-go/v3"
	"github.com/pkoukk/tiktoken-go"
)

const defaultDimensions = 1536

// Embedding models reject inputs above their context window; anything close
// to the limit adds no signal for similarity search anyway.
const maxEmbeddingTokens = 8000

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model.
//
// The input is provided as a byte slice and will be converted to a string
// before being sent to the embedding model. Inputs longer than the model's
// token limit are truncated.
func (c *LoreOpenAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	dim := int(util.GetEnvNumeric("AI_EMBED_DIM", defaultDimensions))

	text := c.truncateToTokenLimit(string(input))
	if text == "" {
		return make([]float32, dim), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Dimensions: openai.Int(int64(dim)),
	})
	if err != nil {
		return nil, err
	}
	duration := time.Since(start).Milliseconds()

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens: int(response.Usage.PromptTokens),
		TotalTokens: int(response.Usage.TotalTokens),
		DurationMs:  duration,
	})

	if len(response.Data) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(response.Data))
	}

	out := make([]float32, len(response.Data[0].Embedding))
	for i, v := range response.Data[0].Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

func (c *LoreOpenAIClient) truncateToTokenLimit(text string) string {
	if text == "" {
		return ""
	}

	enc, err := tiktoken.GetEncoding(c.tokenEncoder)
	if err != nil {
		logger.Warn("[AI] Unknown token encoding, skipping truncation", "encoding", c.tokenEncoder, "err", err)
		return text
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxEmbeddingTokens {
		return text
	}

	logger.Debug("[AI] Truncating embedding input", "tokens", len(tokens), "limit", maxEmbeddingTokens)
	return enc.Decode(tokens[:maxEmbeddingTokens])
}
