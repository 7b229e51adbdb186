package dedupe

import (
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/util"
)

// Hard ceiling on candidate retrieval regardless of configuration.
const maxCandidateCap = 100

// Config carries the runtime-tunable knobs of the deduplication pipeline.
// Every field has an environment default; none of the thresholds is
// hard-coded at a call site because tuning is expected.
type Config struct {
	// AutoMergeThreshold is the cosine similarity at or above which the
	// top candidate is merged without consulting the model.
	AutoMergeThreshold float64
	// AmbiguousThreshold is the similarity below which the top candidate
	// is dismissed without consulting the model. Scores in
	// [AmbiguousThreshold, AutoMergeThreshold) go to the model.
	AmbiguousThreshold float64

	// MaxCandidates bounds vector retrieval, MaxLLMCandidates bounds how
	// many of those are shown to the model.
	MaxCandidates    int
	MaxLLMCandidates int

	// ChatModel overrides the AI client's default chat model for
	// adjudication calls. Empty uses the client default.
	ChatModel string

	SessionTTL   time.Duration
	StageTimeout time.Duration
	LLMRetries   int
}

// ConfigFromEnv reads the pipeline configuration from the environment.
func ConfigFromEnv() *Config {
	cfg := &Config{
		AutoMergeThreshold: util.GetEnvFloat("DEDUPE_AUTO_MERGE_THRESHOLD", 0.9),
		AmbiguousThreshold: util.GetEnvFloat("DEDUPE_AMBIGUOUS_THRESHOLD", 0.6),
		MaxCandidates:      int(util.GetEnvNumeric("DEDUPE_MAX_CANDIDATES", 25)),
		MaxLLMCandidates:   int(util.GetEnvNumeric("DEDUPE_LLM_CANDIDATES", 5)),
		ChatModel:          util.GetEnv("DEDUPE_CHAT_MODEL"),
		SessionTTL:         time.Duration(util.GetEnvNumeric("DEDUPE_SESSION_TTL_MS", 10*60*1000)) * time.Millisecond,
		StageTimeout:       time.Duration(util.GetEnvNumeric("DEDUPE_STAGE_TIMEOUT_MS", 15*1000)) * time.Millisecond,
		LLMRetries:         int(util.GetEnvNumeric("DEDUPE_LLM_RETRIES", 3)),
	}
	return cfg.normalized()
}

// normalized clamps the configuration into a usable range.
func (c *Config) normalized() *Config {
	if c.AutoMergeThreshold <= 0 || c.AutoMergeThreshold > 1 {
		c.AutoMergeThreshold = 0.9
	}
	if c.AmbiguousThreshold < 0 || c.AmbiguousThreshold >= c.AutoMergeThreshold {
		c.AmbiguousThreshold = c.AutoMergeThreshold / 2
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 25
	}
	if c.MaxCandidates > maxCandidateCap {
		c.MaxCandidates = maxCandidateCap
	}
	if c.MaxLLMCandidates <= 0 {
		c.MaxLLMCandidates = 5
	}
	if c.MaxLLMCandidates > c.MaxCandidates {
		c.MaxLLMCandidates = c.MaxCandidates
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 10 * time.Minute
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 15 * time.Second
	}
	if c.LLMRetries <= 0 {
		c.LLMRetries = 3
	}
	return c
}
