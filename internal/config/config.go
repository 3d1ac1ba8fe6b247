package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the dialogue orchestration engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	PersonaName string

	DatabaseURL     string
	EmbeddedDataDir string
	ChromemCompress bool
	EmbeddingDim    int

	SemanticWeight   float64
	RecencyWeight    float64
	ImportanceWeight float64
	RecencyHalfLife  time.Duration
	SimilarityFloor  float64
	VectorTopK       int
	CandidateLimit   int
	MaxGraphHops     int
	MaxSeedEntities  int
	TopN             int
	SourceTimeout    time.Duration

	HistoryWindow      int
	DynamicSectionTTL  time.Duration
	PromptCacheMaxCost int64

	TurnContextTTL  time.Duration
	HeartbeatTTL    time.Duration
	JanitorInterval time.Duration

	AdapterMode        string
	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int
	GatewayURL         string
	GatewayToken       string
	LLMMaxAttempts     int
	LLMBaseDelay       time.Duration
	LLMMaxDelay        time.Duration
	LLMCallTimeout     time.Duration

	MaxRetrievalCycles int

	// DemoUserID, when set, seeds the store with a synthetic user profile
	// and a handful of memory units at startup so a fresh instance can
	// process turns without prior ingestion.
	DemoUserID string

	// Warnings collects soft fallbacks (a bad fusion weight record and the
	// like) for the caller to log. They never fail Load.
	Warnings []string
}

// Default fusion weights, substituted whenever a configured set is rejected.
const (
	DefaultSemanticWeight   = 0.55
	DefaultRecencyWeight    = 0.25
	DefaultImportanceWeight = 0.20
)

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "aura"),
		PersonaName:      envOrDefault("PERSONA_NAME", "Aura"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		EmbeddedDataDir:  stringsTrimSpace("EMBEDDED_DATA_DIR"),
		ChromemCompress:  false,
		EmbeddingDim:     256,

		SemanticWeight:   DefaultSemanticWeight,
		RecencyWeight:    DefaultRecencyWeight,
		ImportanceWeight: DefaultImportanceWeight,
		RecencyHalfLife:  7 * 24 * time.Hour,
		SimilarityFloor:  0.25,
		VectorTopK:       5,
		CandidateLimit:   40,
		MaxGraphHops:     2,
		MaxSeedEntities:  5,
		TopN:             10,
		SourceTimeout:    750 * time.Millisecond,

		HistoryWindow:      10,
		DynamicSectionTTL:  5 * time.Minute,
		PromptCacheMaxCost: 1 << 20,

		TurnContextTTL:  10 * time.Minute,
		HeartbeatTTL:    45 * time.Second,
		JanitorInterval: 5 * time.Second,

		AdapterMode:        envOrDefault("LLM_ADAPTER_MODE", "auto"),
		AnthropicAPIKey:    stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicModel:     envOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		AnthropicMaxTokens: 1024,
		GatewayURL:         stringsTrimSpace("BRAIN_GATEWAY_URL"),
		GatewayToken:       stringsTrimSpace("BRAIN_GATEWAY_TOKEN"),
		LLMMaxAttempts:     3,
		LLMBaseDelay:       300 * time.Millisecond,
		LLMMaxDelay:        4 * time.Second,
		LLMCallTimeout:     30 * time.Second,

		MaxRetrievalCycles: 1,

		DemoUserID: stringsTrimSpace("DEMO_USER_ID"),

		ShutdownTimeout: 15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChromemCompress, err = boolFromEnv("CHROMEM_COMPRESS", cfg.ChromemCompress)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}

	cfg.SemanticWeight, err = floatFromEnv("RETRIEVAL_SEMANTIC_WEIGHT", cfg.SemanticWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.RecencyWeight, err = floatFromEnv("RETRIEVAL_RECENCY_WEIGHT", cfg.RecencyWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.ImportanceWeight, err = floatFromEnv("RETRIEVAL_IMPORTANCE_WEIGHT", cfg.ImportanceWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.RecencyHalfLife, err = durationFromEnv("RETRIEVAL_RECENCY_HALF_LIFE", cfg.RecencyHalfLife)
	if err != nil {
		return Config{}, err
	}
	cfg.SimilarityFloor, err = floatFromEnv("RETRIEVAL_SIMILARITY_FLOOR", cfg.SimilarityFloor)
	if err != nil {
		return Config{}, err
	}
	cfg.VectorTopK, err = intFromEnv("RETRIEVAL_VECTOR_TOP_K", cfg.VectorTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.CandidateLimit, err = intFromEnv("RETRIEVAL_CANDIDATE_LIMIT", cfg.CandidateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxGraphHops, err = intFromEnv("RETRIEVAL_MAX_GRAPH_HOPS", cfg.MaxGraphHops)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSeedEntities, err = intFromEnv("RETRIEVAL_MAX_SEED_ENTITIES", cfg.MaxSeedEntities)
	if err != nil {
		return Config{}, err
	}
	cfg.TopN, err = intFromEnv("RETRIEVAL_TOP_N", cfg.TopN)
	if err != nil {
		return Config{}, err
	}
	cfg.SourceTimeout, err = durationFromEnv("RETRIEVAL_SOURCE_TIMEOUT", cfg.SourceTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.HistoryWindow, err = intFromEnv("PROMPT_HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.DynamicSectionTTL, err = durationFromEnv("PROMPT_DYNAMIC_SECTION_TTL", cfg.DynamicSectionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PromptCacheMaxCost, err = int64FromEnv("PROMPT_CACHE_MAX_COST", cfg.PromptCacheMaxCost)
	if err != nil {
		return Config{}, err
	}

	cfg.TurnContextTTL, err = durationFromEnv("TURN_CONTEXT_TTL", cfg.TurnContextTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatTTL, err = durationFromEnv("HEARTBEAT_TTL", cfg.HeartbeatTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("TURNSTATE_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.AnthropicMaxTokens, err = intFromEnv("ANTHROPIC_MAX_TOKENS", cfg.AnthropicMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxAttempts, err = intFromEnv("LLM_MAX_ATTEMPTS", cfg.LLMMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMBaseDelay, err = durationFromEnv("LLM_BASE_DELAY", cfg.LLMBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMMaxDelay, err = durationFromEnv("LLM_MAX_DELAY", cfg.LLMMaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMCallTimeout, err = durationFromEnv("LLM_CALL_TIMEOUT", cfg.LLMCallTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.MaxRetrievalCycles, err = intFromEnv("ENGINE_MAX_RETRIEVAL_CYCLES", cfg.MaxRetrievalCycles)
	if err != nil {
		return Config{}, err
	}

	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("PROMPT_HISTORY_WINDOW must be positive")
	}
	if cfg.TopN <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_TOP_N must be positive")
	}
	if cfg.VectorTopK <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_VECTOR_TOP_K must be positive")
	}
	if cfg.MaxGraphHops < 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_MAX_GRAPH_HOPS must be >= 0")
	}
	if cfg.LLMMaxAttempts < 1 {
		return Config{}, fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.MaxRetrievalCycles < 0 {
		return Config{}, fmt.Errorf("ENGINE_MAX_RETRIEVAL_CYCLES must be >= 0")
	}
	if cfg.TurnContextTTL < time.Second {
		return Config{}, fmt.Errorf("TURN_CONTEXT_TTL must be at least 1s")
	}
	if cfg.HeartbeatTTL < time.Second {
		return Config{}, fmt.Errorf("HEARTBEAT_TTL must be at least 1s")
	}

	// A weight record that fails the sum check is replaced by the documented
	// defaults instead of failing startup.
	if !ValidWeights(cfg.SemanticWeight, cfg.RecencyWeight, cfg.ImportanceWeight) {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf(
			"retrieval weights %.2f/%.2f/%.2f rejected (must be non-negative and sum to 1.0); using defaults %.2f/%.2f/%.2f",
			cfg.SemanticWeight, cfg.RecencyWeight, cfg.ImportanceWeight,
			DefaultSemanticWeight, DefaultRecencyWeight, DefaultImportanceWeight,
		))
		cfg.SemanticWeight = DefaultSemanticWeight
		cfg.RecencyWeight = DefaultRecencyWeight
		cfg.ImportanceWeight = DefaultImportanceWeight
	}

	return cfg, nil
}

// ValidWeights reports whether the fusion weights are non-negative and sum to
// 1.0 within a 0.01 tolerance.
func ValidWeights(semantic, recency, importance float64) bool {
	if semantic < 0 || recency < 0 || importance < 0 {
		return false
	}
	sum := semantic + recency + importance
	return sum > 0.99 && sum < 1.01
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
