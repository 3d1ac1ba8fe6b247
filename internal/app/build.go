package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/aura/internal/config"
	"github.com/ent0n29/aura/internal/engine"
	"github.com/ent0n29/aura/internal/httpapi"
	"github.com/ent0n29/aura/internal/llm"
	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/prompt"
	"github.com/ent0n29/aura/internal/reliability"
	"github.com/ent0n29/aura/internal/retrieval"
	"github.com/ent0n29/aura/internal/turnstate"
)

// LLMInfo describes the upstream model backend Build resolved to, for
// startup logging.
type LLMInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Store   memory.ContextStore
	Turns   *turnstate.Store
	Engine  *engine.Orchestrator
	Metrics *observability.Metrics
	LLM     LLMInfo

	// Cleanup should be called on shutdown to release external resources
	// (DB pools, the embedded store's files, the prompt cache).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewContextStore(ctx, memory.Options{
		DatabaseURL:  cfg.DatabaseURL,
		DataDir:      cfg.EmbeddedDataDir,
		EmbeddingDim: cfg.EmbeddingDim,
		Compress:     cfg.ChromemCompress,
	})
	if err != nil {
		return nil, fmt.Errorf("context store init failed: %w", err)
	}

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:         cfg.AdapterMode,
		APIKey:       cfg.AnthropicAPIKey,
		Model:        cfg.AnthropicModel,
		MaxTokens:    cfg.AnthropicMaxTokens,
		GatewayURL:   cfg.GatewayURL,
		GatewayToken: cfg.GatewayToken,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("llm adapter init failed: %w", err)
	}

	cache, err := prompt.NewCache(cfg.PromptCacheMaxCost, metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("prompt cache init failed: %w", err)
	}

	turns := turnstate.New(cfg.TurnContextTTL, cfg.HeartbeatTTL)
	turns.SetHeartbeatExpireHook(func(_ string) {
		metrics.TurnEvents.WithLabelValues("heartbeat_expired").Inc()
		metrics.ActiveConversations.Set(float64(turns.ActiveCount()))
	})

	assembler := prompt.NewAssembler(store, turns, cache, metrics, prompt.Config{
		PersonaName:   cfg.PersonaName,
		HistoryWindow: cfg.HistoryWindow,
		DynamicTTL:    cfg.DynamicSectionTTL,
	})

	embedder := memory.NewFeatureHashEmbedder(cfg.EmbeddingDim)
	if cfg.DemoUserID != "" {
		if err := seedDemoUser(ctx, store, embedder, cfg.DemoUserID); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("demo seed failed: %w", err)
		}
	}

	retriever := retrieval.NewRetriever(store, embedder, metrics, retrieval.Config{
		Defaults: memory.RetrievalParameters{
			SemanticWeight:   cfg.SemanticWeight,
			RecencyWeight:    cfg.RecencyWeight,
			ImportanceWeight: cfg.ImportanceWeight,
			MaxGraphHops:     cfg.MaxGraphHops,
			MaxSeedEntities:  cfg.MaxSeedEntities,
			ResultCap:        cfg.TopN,
		},
		RecencyHalfLife: cfg.RecencyHalfLife,
		SimilarityFloor: cfg.SimilarityFloor,
		VectorTopK:      cfg.VectorTopK,
		CandidateLimit:  cfg.CandidateLimit,
		TopN:            cfg.TopN,
		SourceTimeout:   cfg.SourceTimeout,
	})

	gateway := llm.NewGateway(adapter, reliability.Policy{
		MaxAttempts: cfg.LLMMaxAttempts,
		BaseDelay:   cfg.LLMBaseDelay,
		MaxDelay:    cfg.LLMMaxDelay,
		Retryable:   llm.DefaultRetryable,
	}, cfg.LLMCallTimeout, metrics)

	orchestrator := engine.NewOrchestrator(assembler, retriever, gateway, turns, store, metrics, engine.Config{
		TurnContextTTL:     cfg.TurnContextTTL,
		MaxRetrievalCycles: cfg.MaxRetrievalCycles,
	})

	api := httpapi.New(orchestrator, store, turns, metrics)

	cleanup := func() error {
		var errs []string
		cache.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Store:   store,
		Turns:   turns,
		Engine:  orchestrator,
		Metrics: metrics,
		LLM:     resolveLLMInfo(cfg),
		Cleanup: cleanup,
	}, nil
}

// resolveLLMInfo mirrors the adapter's auto-selection so startup logs name
// the backend actually in play.
func resolveLLMInfo(cfg config.Config) LLMInfo {
	mode := strings.ToLower(strings.TrimSpace(cfg.AdapterMode))
	if mode == "" || mode == "auto" {
		switch {
		case strings.TrimSpace(cfg.AnthropicAPIKey) != "":
			mode = "api"
		case strings.TrimSpace(cfg.GatewayToken) != "":
			mode = "gateway"
		default:
			mode = "mock"
		}
	}
	switch mode {
	case "api":
		return LLMInfo{Provider: "anthropic", Detail: "model " + cfg.AnthropicModel}
	case "gateway":
		url := strings.TrimSpace(cfg.GatewayURL)
		if url == "" {
			url = "ws://127.0.0.1:18790"
		}
		return LLMInfo{Provider: "gateway", Detail: url}
	default:
		return LLMInfo{Provider: "mock", Detail: "deterministic synthesis, no upstream"}
	}
}
