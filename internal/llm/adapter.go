package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one prior exchange fed to the model as conversation history.
// Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Request is one fully assembled model call.
type Request struct {
	System  string
	User    string
	History []Message
}

// Adapter completes one model call and returns the raw reply text. The
// structured-output contract is enforced by the gateway on top, not here.
type Adapter interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config controls adapter construction.
type Config struct {
	Mode         string
	APIKey       string
	Model        string
	MaxTokens    int
	GatewayURL   string
	GatewayToken string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "api":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("anthropic api key is required for api mode")
		}
		return NewAnthropicAdapter(cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "gateway":
		return NewWSAdapter(cfg.GatewayURL, cfg.GatewayToken)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported llm adapter mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	if strings.TrimSpace(cfg.APIKey) != "" {
		return NewAnthropicAdapter(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	}
	if strings.TrimSpace(cfg.GatewayToken) != "" {
		if gw, err := NewWSAdapter(cfg.GatewayURL, cfg.GatewayToken); err == nil {
			return gw
		}
	}
	return NewMockAdapter()
}
