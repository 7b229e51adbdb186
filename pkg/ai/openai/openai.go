package openai

import (
	"sync"

	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"
)

// LoreOpenAIClient is an AI client backed by OpenAI-compatible endpoints.
// It manages separate clients for embeddings and chat so the two can point
// at different providers (e.g. a local embedding server plus a hosted chat
// model).
//
// A LoreOpenAIClient should be created using NewLoreOpenAIClient.
type LoreOpenAIClient struct {
	embeddingModel string
	chatModel      string

	embeddingURL string
	chatURL      string

	tokenEncoder string

	limiter *rate.Limiter

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewLoreOpenAIClientParams defines the configuration parameters for
// creating a new LoreOpenAIClient.
//
// TokenEncoder names the tiktoken encoding used to truncate embedding
// inputs; it defaults to o200k_base. RequestsPerSecond throttles outgoing
// provider calls; zero means unthrottled.
type NewLoreOpenAIClientParams struct {
	EmbeddingModel string
	ChatModel      string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string

	TokenEncoder      string
	RequestsPerSecond float64
}

// NewLoreOpenAIClient creates and returns a new LoreOpenAIClient configured
// with the provided parameters.
//
// Example:
//
//	client := openai.NewLoreOpenAIClient(openai.NewLoreOpenAIClientParams{
//		EmbeddingModel: "text-embedding-3-small",
//		ChatModel:      "gpt-4o-mini",
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//	})
func NewLoreOpenAIClient(params NewLoreOpenAIClientParams) *LoreOpenAIClient {
	encoder := params.TokenEncoder
	if encoder == "" {
		encoder = util.GetEnvString("AI_TOKEN_ENCODER", "o200k_base")
	}

	limit := rate.Inf
	if params.RequestsPerSecond > 0 {
		limit = rate.Limit(params.RequestsPerSecond)
	}

	return &LoreOpenAIClient{
		embeddingModel: params.EmbeddingModel,
		chatModel:      params.ChatModel,

		embeddingURL: params.EmbeddingURL,
		chatURL:      params.ChatURL,

		tokenEncoder: encoder,
		limiter:      rate.NewLimiter(limit, 1),

		metricsLock: sync.Mutex{},

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newOpenaiClient(baseURL, apiKey string) *openai.Client {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	return &client
}

func (c *LoreOpenAIClient) modifyMetrics(delta ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics.InputTokens += delta.InputTokens
	c.metrics.OutputTokens += delta.OutputTokens
	c.metrics.TotalTokens += delta.TotalTokens
	c.metrics.DurationMs += delta.DurationMs
}

// ResetMetrics clears the accumulated usage metrics.
func (c *LoreOpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.metrics = ai.ModelMetrics{}
}

// GetMetrics returns a snapshot of the accumulated usage metrics.
func (c *LoreOpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}
