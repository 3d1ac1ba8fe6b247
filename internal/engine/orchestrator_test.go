package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/aura/internal/llm"
	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/prompt"
	"github.com/ent0n29/aura/internal/protocol"
	"github.com/ent0n29/aura/internal/retrieval"
	"github.com/ent0n29/aura/internal/turnstate"
)

// fakeAssembler renders a minimal prompt that embeds the retrieved
// summaries, so tests can assert what the second call saw.
type fakeAssembler struct {
	mu     sync.Mutex
	inputs []prompt.Input
}

func (a *fakeAssembler) Assemble(_ context.Context, in prompt.Input) (prompt.Output, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs = append(a.inputs, in)

	var sb strings.Builder
	sb.WriteString("system prompt")
	for _, r := range in.Retrieved {
		sb.WriteString("\nmemory: ")
		sb.WriteString(r.Summary)
	}
	return prompt.Output{SystemPrompt: sb.String(), UserPrompt: in.InputText}, nil
}

type fakeRetriever struct {
	mu      sync.Mutex
	result  retrieval.Result
	calls   [][]string
	observe func()
}

func (r *fakeRetriever) Retrieve(_ context.Context, _ string, keyPhrases []string) retrieval.Result {
	r.mu.Lock()
	r.calls = append(r.calls, keyPhrases)
	r.mu.Unlock()
	if r.observe != nil {
		r.observe()
	}
	return r.result
}

func (r *fakeRetriever) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type gatewayReply struct {
	syn  protocol.Synthesis
	info llm.CallInfo
	err  error
}

type fakeGateway struct {
	mu       sync.Mutex
	replies  []gatewayReply
	requests []llm.Request
}

func (g *fakeGateway) Call(_ context.Context, req llm.Request) (protocol.Synthesis, llm.CallInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	idx := len(g.requests) - 1
	if idx >= len(g.replies) {
		return protocol.Synthesis{}, llm.CallInfo{}, errors.New("no scripted reply")
	}
	r := g.replies[idx]
	return r.syn, r.info, r.err
}

func (g *fakeGateway) request(i int) llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func directReply(text string, pkg protocol.ContextPackage) protocol.Synthesis {
	return protocol.Synthesis{
		ResponsePlan:       protocol.ResponsePlan{Decision: protocol.DecisionRespondDirectly, DirectResponseText: text},
		TurnContextPackage: pkg,
	}
}

func queryReply(phrases ...string) protocol.Synthesis {
	return protocol.Synthesis{
		ResponsePlan: protocol.ResponsePlan{
			Decision:               protocol.DecisionQueryMemory,
			KeyPhrasesForRetrieval: protocol.KeyPhraseList(phrases),
			DirectResponseText:     "let me check",
		},
		TurnContextPackage: protocol.ContextPackage{SuggestedNextFocus: "pending memory"},
	}
}

type testRig struct {
	orch      *Orchestrator
	assembler *fakeAssembler
	retriever *fakeRetriever
	gateway   *fakeGateway
	turns     *turnstate.Store
	store     *memory.InMemoryStore
}

func newRig(t *testing.T, gw *fakeGateway, ret *fakeRetriever) testRig {
	t.Helper()
	assembler := &fakeAssembler{}
	turns := turnstate.New(time.Minute, time.Minute)
	store := memory.NewInMemoryStore()
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	orch := NewOrchestrator(assembler, ret, gw, turns, store, metrics, Config{
		TurnContextTTL:     time.Minute,
		MaxRetrievalCycles: 1,
	})
	return testRig{orch: orch, assembler: assembler, retriever: ret, gateway: gw, turns: turns, store: store}
}

func baseRequest() protocol.TurnRequest {
	return protocol.TurnRequest{ConversationID: "c1", UserID: "u1", InputText: "What's my cosmos shaping?"}
}

func TestRespondDirectlyPassesUIHintsAndSkipsRetrieval(t *testing.T) {
	hint := json.RawMessage(`{"kind":"view_switch","label":"Open cosmos view","confirm":"Show me","dismiss":"Not now"}`)
	gw := &fakeGateway{replies: []gatewayReply{{
		syn: protocol.Synthesis{
			ResponsePlan:  protocol.ResponsePlan{Decision: protocol.DecisionRespondDirectly, DirectResponseText: "Your cosmos is leaning toward running."},
			UIActionHints: []json.RawMessage{hint},
		},
	}}}
	ret := &fakeRetriever{}
	rig := newRig(t, gw, ret)

	resp, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if resp.ResponseText != "Your cosmos is leaning toward running." {
		t.Fatalf("ResponseText = %q", resp.ResponseText)
	}
	if len(resp.UIActions) != 1 || string(resp.UIActions[0]) != string(hint) {
		t.Fatalf("UIActions = %v, want the hint verbatim", resp.UIActions)
	}
	if ret.callCount() != 0 {
		t.Fatalf("retriever called %d times, want 0", ret.callCount())
	}
	if gw.callCount() != 1 {
		t.Fatalf("gateway called %d times, want 1", gw.callCount())
	}
	if resp.Metadata.Decision != protocol.DecisionRespondDirectly {
		t.Fatalf("Metadata.Decision = %q", resp.Metadata.Decision)
	}
}

func TestQueryMemoryRunsRetrievalAndSecondCall(t *testing.T) {
	fused := []retrieval.FusedResult{
		{Candidate: memory.Candidate{ID: "m1", Kind: memory.KindMemoryUnit, Summary: "goal: sub-2h half marathon"}, Score: 0.9},
		{Candidate: memory.Candidate{ID: "m2", Kind: memory.KindConcept, Summary: "left knee injury in March"}, Score: 0.8},
		{Candidate: memory.Candidate{ID: "m3", Kind: memory.KindDerivedArtifact, Summary: "weekly mileage trending up"}, Score: 0.7},
	}
	gw := &fakeGateway{replies: []gatewayReply{
		{syn: queryReply("running goals", "injury")},
		{syn: directReply("You wanted a sub-2h half, minding that knee.", protocol.ContextPackage{SuggestedNextFocus: "knee rehab"})},
	}}
	ret := &fakeRetriever{result: retrieval.Result{Results: fused}}
	rig := newRig(t, gw, ret)

	req := baseRequest()
	req.InputText = "how is my training going?"
	resp, err := rig.orch.ProcessTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}

	if gw.callCount() != 2 {
		t.Fatalf("gateway called %d times, want 2", gw.callCount())
	}
	second := gw.request(1)
	for _, want := range []string{"sub-2h half marathon", "left knee injury", "weekly mileage"} {
		if !strings.Contains(second.System, want) {
			t.Fatalf("second call prompt missing %q:\n%s", want, second.System)
		}
	}
	if resp.ResponseText != "You wanted a sub-2h half, minding that knee." {
		t.Fatalf("ResponseText = %q, want the second call's reply", resp.ResponseText)
	}
	if !resp.Metadata.Retrieval.Used || resp.Metadata.Retrieval.ResultCount != 3 {
		t.Fatalf("Retrieval report = %+v", resp.Metadata.Retrieval)
	}
	if resp.Metadata.Decision != protocol.DecisionQueryMemory {
		t.Fatalf("Metadata.Decision = %q", resp.Metadata.Decision)
	}
}

func TestContextPackagePersistedBeforeRetrieval(t *testing.T) {
	gw := &fakeGateway{replies: []gatewayReply{
		{syn: queryReply("anything")},
		{syn: directReply("done", protocol.ContextPackage{})},
	}}
	ret := &fakeRetriever{}
	rig := newRig(t, gw, ret)

	var seenDuringRetrieval protocol.ContextPackage
	var seenOK bool
	ret.observe = func() {
		seenDuringRetrieval, seenOK = rig.turns.Get("c1")
	}

	if _, err := rig.orch.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if !seenOK || seenDuringRetrieval.SuggestedNextFocus != "pending memory" {
		t.Fatalf("first call's package not visible during retrieval: %+v ok=%v", seenDuringRetrieval, seenOK)
	}
}

func TestSecondQueryMemoryIsIgnored(t *testing.T) {
	gw := &fakeGateway{replies: []gatewayReply{
		{syn: queryReply("first ask")},
		{syn: queryReply("second ask")},
	}}
	ret := &fakeRetriever{result: retrieval.Result{Results: []retrieval.FusedResult{
		{Candidate: memory.Candidate{ID: "m1", Summary: "something"}, Score: 0.5},
	}}}
	rig := newRig(t, gw, ret)

	resp, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if gw.callCount() != 2 {
		t.Fatalf("gateway called %d times, want 2 (no third call)", gw.callCount())
	}
	if ret.callCount() != 1 {
		t.Fatalf("retriever called %d times, want 1", ret.callCount())
	}
	if resp.ResponseText != "let me check" {
		t.Fatalf("ResponseText = %q, want the second call's draft text", resp.ResponseText)
	}
}

func TestEmptyKeyPhrasesSkipRetrieval(t *testing.T) {
	syn := protocol.Synthesis{
		ResponsePlan: protocol.ResponsePlan{
			Decision:           protocol.DecisionQueryMemory,
			DirectResponseText: "answering without memory",
		},
	}
	gw := &fakeGateway{replies: []gatewayReply{{syn: syn}}}
	ret := &fakeRetriever{}
	rig := newRig(t, gw, ret)

	resp, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if ret.callCount() != 0 {
		t.Fatalf("retriever called %d times, want 0", ret.callCount())
	}
	if resp.ResponseText != "answering without memory" {
		t.Fatalf("ResponseText = %q", resp.ResponseText)
	}
}

func TestFirstCallFailurePersistsNothing(t *testing.T) {
	gw := &fakeGateway{replies: []gatewayReply{{err: llm.ErrOverloaded}}}
	rig := newRig(t, gw, &fakeRetriever{})

	_, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("ProcessTurn() error = %v, want ErrSynthesisFailure", err)
	}
	if _, ok := rig.turns.Get("c1"); ok {
		t.Fatalf("turn context persisted despite first-call failure")
	}
	msgs, _ := rig.store.RecentMessages(context.Background(), "c1", 10)
	if len(msgs) != 0 {
		t.Fatalf("history persisted despite first-call failure: %v", msgs)
	}
}

func TestSecondCallFailureKeepsFirstPackage(t *testing.T) {
	gw := &fakeGateway{replies: []gatewayReply{
		{syn: queryReply("phrase")},
		{err: llm.ErrOverloaded},
	}}
	ret := &fakeRetriever{result: retrieval.Result{Results: []retrieval.FusedResult{
		{Candidate: memory.Candidate{ID: "m1", Summary: "x"}, Score: 0.5},
	}}}
	rig := newRig(t, gw, ret)

	_, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("ProcessTurn() error = %v, want ErrSynthesisFailure", err)
	}
	pkg, ok := rig.turns.Get("c1")
	if !ok || pkg.SuggestedNextFocus != "pending memory" {
		t.Fatalf("first call's package lost after second-call failure: %+v ok=%v", pkg, ok)
	}
}

func TestUnknownDecisionWithTextAnswersDirectly(t *testing.T) {
	syn := protocol.Synthesis{
		ResponsePlan: protocol.ResponsePlan{Decision: "ponder", DirectResponseText: "best effort answer"},
	}
	gw := &fakeGateway{replies: []gatewayReply{{syn: syn}}}
	rig := newRig(t, gw, &fakeRetriever{})

	resp, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	if resp.ResponseText != "best effort answer" {
		t.Fatalf("ResponseText = %q", resp.ResponseText)
	}
}

func TestUnknownDecisionWithoutTextFails(t *testing.T) {
	syn := protocol.Synthesis{ResponsePlan: protocol.ResponsePlan{Decision: "ponder"}}
	gw := &fakeGateway{replies: []gatewayReply{{syn: syn}}}
	rig := newRig(t, gw, &fakeRetriever{})

	_, err := rig.orch.ProcessTurn(context.Background(), baseRequest())
	if !errors.Is(err, protocol.ErrMalformedSynthesis) {
		t.Fatalf("ProcessTurn() error = %v, want ErrMalformedSynthesis", err)
	}
}

func TestInvalidRequestRejected(t *testing.T) {
	rig := newRig(t, &fakeGateway{}, &fakeRetriever{})
	_, err := rig.orch.ProcessTurn(context.Background(), protocol.TurnRequest{UserID: "u1"})
	if !errors.Is(err, protocol.ErrInvalidTurnRequest) {
		t.Fatalf("ProcessTurn() error = %v, want ErrInvalidTurnRequest", err)
	}
}

func TestExchangePersistedAfterSuccessfulTurn(t *testing.T) {
	gw := &fakeGateway{replies: []gatewayReply{{syn: directReply("nice to hear", protocol.ContextPackage{})}}}
	rig := newRig(t, gw, &fakeRetriever{})

	if _, err := rig.orch.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}
	msgs, err := rig.store.RecentMessages(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != memory.RoleUser || msgs[1].Role != memory.RoleAssistant {
		t.Fatalf("history = %+v, want user then assistant", msgs)
	}
}

func TestHeartbeatExpiryTriggersNoEngineAction(t *testing.T) {
	gw := &fakeGateway{replies: []gatewayReply{{syn: directReply("ok", protocol.ContextPackage{SuggestedNextFocus: "still here"})}}}
	ret := &fakeRetriever{}
	assembler := &fakeAssembler{}
	turns := turnstate.New(time.Minute, 5*time.Millisecond)
	store := memory.NewInMemoryStore()
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	orch := NewOrchestrator(assembler, ret, gw, turns, store, metrics, Config{TurnContextTTL: time.Minute, MaxRetrievalCycles: 1})

	if _, err := orch.ProcessTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("ProcessTurn() error: %v", err)
	}

	// Let the heartbeat lapse. Idle handling belongs to an external watcher;
	// the engine leaves turn context and history untouched.
	time.Sleep(20 * time.Millisecond)
	if turns.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0 after heartbeat TTL", turns.ActiveCount())
	}
	if _, ok := turns.Get("c1"); !ok {
		t.Fatalf("turn context dropped on heartbeat expiry")
	}
	msgs, _ := store.RecentMessages(context.Background(), "c1", 10)
	if len(msgs) != 2 {
		t.Fatalf("history changed on heartbeat expiry: %d messages", len(msgs))
	}
	if ret.callCount() != 0 || gw.callCount() != 1 {
		t.Fatalf("engine acted on heartbeat expiry (retriever=%d gateway=%d)", ret.callCount(), gw.callCount())
	}
}
