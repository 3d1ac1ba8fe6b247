package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/reliability"
)

// scriptedAdapter replays a fixed sequence of outcomes and records calls.
type scriptedAdapter struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   int
}

type scriptedReply struct {
	raw string
	err error
}

func (a *scriptedAdapter) Complete(_ context.Context, _ Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
	if idx >= len(a.replies) {
		return "", errors.New("script exhausted")
	}
	return a.replies[idx].raw, a.replies[idx].err
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newTestGateway(adapter Adapter, maxAttempts int) *Gateway {
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	return NewGateway(adapter, reliability.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   DefaultRetryable,
	}, time.Second, metrics)
}

const wellFormed = `{"thought_process":"t","response_plan":{"decision":"respond_directly","direct_response_text":"hello there"},"turn_context_package":{"suggested_next_focus":"next"}}`

func TestCallRetriesOverloadThenSucceeds(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{err: ErrOverloaded},
		{err: ErrOverloaded},
		{raw: wellFormed},
	}}
	g := newTestGateway(adapter, 3)

	syn, info, err := g.Call(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if syn.ResponsePlan.DirectResponseText != "hello there" {
		t.Fatalf("DirectResponseText = %q", syn.ResponsePlan.DirectResponseText)
	}
	if info.Attempts != 3 || adapter.callCount() != 3 {
		t.Fatalf("attempts = %d (adapter saw %d), want 3", info.Attempts, adapter.callCount())
	}
}

func TestCallAuthFailureNotRetried(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{err: ErrAuth},
		{raw: wellFormed},
	}}
	g := newTestGateway(adapter, 3)

	_, _, err := g.Call(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Call() error = %v, want ErrAuth", err)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("adapter calls = %d, want 1 (auth is fatal)", adapter.callCount())
	}
}

func TestCallExhaustsAttempts(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{err: ErrOverloaded}, {err: ErrOverloaded}, {err: ErrOverloaded}, {err: ErrOverloaded},
	}}
	g := newTestGateway(adapter, 3)

	_, info, err := g.Call(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Call() error = %v, want ErrOverloaded", err)
	}
	if info.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", info.Attempts)
	}
}

func TestSalvageRecoversTruncatedReply(t *testing.T) {
	truncated := `{"thought_process":"t","response_plan":{"decision":"respond_directly","direct_response_text":"the part that survived"}`
	adapter := &scriptedAdapter{replies: []scriptedReply{{raw: truncated}}}
	g := newTestGateway(adapter, 3)

	syn, info, err := g.Call(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if !info.SalvageUsed {
		t.Fatalf("SalvageUsed = false, want true")
	}
	if syn.ResponsePlan.DirectResponseText != "the part that survived" {
		t.Fatalf("DirectResponseText = %q", syn.ResponsePlan.DirectResponseText)
	}
	if syn.ResponsePlan.Decision != "respond_directly" {
		t.Fatalf("Decision = %q, want respond_directly", syn.ResponsePlan.Decision)
	}
}

func TestTwoConsecutiveMalformedIsFatal(t *testing.T) {
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{raw: "no json here"},
		{raw: "still not json"},
		{raw: wellFormed},
	}}
	g := newTestGateway(adapter, 5)

	_, _, err := g.Call(context.Background(), Request{User: "hi"})
	if err == nil {
		t.Fatalf("Call() succeeded, want failure after two consecutive malformed replies")
	}
	if adapter.callCount() != 2 {
		t.Fatalf("adapter calls = %d, want 2", adapter.callCount())
	}
}

func TestMalformedResetByTransientFailure(t *testing.T) {
	// malformed, transient, malformed: the malformed streak never reaches
	// two in a row, so the third failure still retries into the good reply.
	adapter := &scriptedAdapter{replies: []scriptedReply{
		{raw: "no json here"},
		{err: ErrOverloaded},
		{raw: "still not json"},
		{raw: wellFormed},
	}}
	g := newTestGateway(adapter, 5)

	syn, _, err := g.Call(context.Background(), Request{User: "hi"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if syn.ResponsePlan.DirectResponseText != "hello there" {
		t.Fatalf("DirectResponseText = %q", syn.ResponsePlan.DirectResponseText)
	}
}

func TestMockAdapterContract(t *testing.T) {
	g := newTestGateway(NewMockAdapter(), 1)

	syn, _, err := g.Call(context.Background(), Request{User: "do you remember my training plan?"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if syn.ResponsePlan.Decision != "query_memory" {
		t.Fatalf("Decision = %q, want query_memory for a memory-seeking input", syn.ResponsePlan.Decision)
	}
	if len(syn.ResponsePlan.KeyPhrasesForRetrieval) == 0 {
		t.Fatalf("KeyPhrasesForRetrieval empty on query_memory")
	}

	syn, _, err = g.Call(context.Background(), Request{
		System: "MEMORIES retrieved for this turn:\n- [memory_unit 0.80] ran a 10k",
		User:   "so what was it?",
	})
	if err != nil {
		t.Fatalf("Call() with memories error: %v", err)
	}
	if syn.ResponsePlan.Decision != "respond_directly" {
		t.Fatalf("Decision = %q, want respond_directly when memories are present", syn.ResponsePlan.Decision)
	}
}
