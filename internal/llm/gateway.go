package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/protocol"
	"github.com/ent0n29/aura/internal/reliability"
)

// CallInfo reports how a call was won: how many attempts it took and
// whether the structured output had to be salvaged.
type CallInfo struct {
	Attempts    int
	SalvageUsed bool
}

// Gateway drives one adapter with an injected retry policy and enforces the
// structured-output contract on what comes back. Overload and stream errors
// retry with backoff; a malformed reply gets one salvage pass, and two
// consecutive malformed replies end the call as a model-behavior failure
// rather than a transient one.
type Gateway struct {
	adapter     Adapter
	policy      reliability.Policy
	callTimeout time.Duration
	metrics     *observability.Metrics
}

func NewGateway(adapter Adapter, policy reliability.Policy, callTimeout time.Duration, metrics *observability.Metrics) *Gateway {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 300 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 4 * time.Second
	}
	if policy.Retryable == nil {
		policy.Retryable = DefaultRetryable
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Gateway{adapter: adapter, policy: policy, callTimeout: callTimeout, metrics: metrics}
}

func (g *Gateway) Call(ctx context.Context, req Request) (protocol.Synthesis, CallInfo, error) {
	var (
		info                 CallInfo
		consecutiveMalformed int
	)

	for attempt := 1; ; attempt++ {
		info.Attempts = attempt

		raw, err := g.complete(ctx, req)
		if err == nil {
			syn, perr := protocol.ParseSynthesis([]byte(raw))
			if perr == nil {
				g.event("ok")
				return syn, info, nil
			}

			if text, ok := protocol.SalvageDirectResponse([]byte(raw)); ok {
				g.event("salvaged")
				info.SalvageUsed = true
				return protocol.Synthesis{
					ResponsePlan: protocol.ResponsePlan{
						Decision:           protocol.DecisionRespondDirectly,
						DirectResponseText: text,
					},
				}, info, nil
			}

			g.event("malformed")
			consecutiveMalformed++
			if consecutiveMalformed >= 2 {
				return protocol.Synthesis{}, info, fmt.Errorf("two consecutive malformed replies: %w", perr)
			}
			err = perr
		} else {
			consecutiveMalformed = 0
			g.event(classify(err))
		}

		if ctx.Err() != nil {
			return protocol.Synthesis{}, info, ctx.Err()
		}
		if !g.policy.ShouldRetry(attempt, err) {
			return protocol.Synthesis{}, info, err
		}
		if serr := reliability.SleepContext(ctx, g.policy.Delay(attempt)); serr != nil {
			return protocol.Synthesis{}, info, serr
		}
	}
}

// complete runs one attempt inside its own timebox. The attempt timeout is
// fatal to the attempt only; the retry loop decides what happens next.
func (g *Gateway) complete(ctx context.Context, req Request) (string, error) {
	actx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return g.adapter.Complete(actx, req)
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrStream):
		return "stream"
	default:
		return "error"
	}
}

func (g *Gateway) event(outcome string) {
	if g.metrics == nil {
		return
	}
	g.metrics.LLMAttempts.WithLabelValues(outcome).Inc()
}
