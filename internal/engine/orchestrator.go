package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/aura/internal/llm"
	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/prompt"
	"github.com/ent0n29/aura/internal/protocol"
	"github.com/ent0n29/aura/internal/retrieval"
	"github.com/ent0n29/aura/internal/turnstate"
)

// ErrSynthesisFailure means a model call was exhausted and the turn cannot
// produce a response. The caller maps it to its own user-facing behavior;
// the engine reports only the structured failure.
var ErrSynthesisFailure = errors.New("synthesis failure")

// Assembler, Retriever, and Gateway are the orchestrator's injected
// collaborators. The concrete types live in their own packages; the
// orchestrator only needs these calls.
type Assembler interface {
	Assemble(ctx context.Context, in prompt.Input) (prompt.Output, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, userID string, keyPhrases []string) retrieval.Result
}

type Gateway interface {
	Call(ctx context.Context, req llm.Request) (protocol.Synthesis, llm.CallInfo, error)
}

type Config struct {
	TurnContextTTL     time.Duration
	MaxRetrievalCycles int
}

// Orchestrator runs one conversational turn: a first synthesis with
// whatever context is already at hand, then, if the model asks for memory,
// one retrieval pass and a second synthesis whose reply is final. The
// forward-looking context package is persisted right after the first call
// so continuity survives a failing second half.
type Orchestrator struct {
	assembler Assembler
	retriever Retriever
	gateway   Gateway
	turns     *turnstate.Store
	store     memory.ContextStore
	metrics   *observability.Metrics
	cfg       Config
}

func NewOrchestrator(assembler Assembler, retriever Retriever, gateway Gateway, turns *turnstate.Store, store memory.ContextStore, metrics *observability.Metrics, cfg Config) *Orchestrator {
	if cfg.TurnContextTTL <= 0 {
		cfg.TurnContextTTL = 10 * time.Minute
	}
	if cfg.MaxRetrievalCycles < 0 {
		cfg.MaxRetrievalCycles = 0
	}
	return &Orchestrator{
		assembler: assembler,
		retriever: retriever,
		gateway:   gateway,
		turns:     turns,
		store:     store,
		metrics:   metrics,
		cfg:       cfg,
	}
}

func (o *Orchestrator) ProcessTurn(ctx context.Context, req protocol.TurnRequest) (protocol.TurnResponse, error) {
	if err := req.Validate(); err != nil {
		return protocol.TurnResponse{}, err
	}

	turnID := uuid.NewString()
	turnStart := time.Now()
	durations := make(map[string]int64)

	o.turns.Heartbeat(req.ConversationID)
	o.metrics.ActiveConversations.Set(float64(o.turns.ActiveCount()))

	in := prompt.Input{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		InputText:      req.InputText,
		Attachments:    foldMedia(req.Media),
	}

	assembled, err := o.timedAssemble(ctx, "assemble_first", durations, in)
	if err != nil {
		return protocol.TurnResponse{}, err
	}

	syn, info, err := o.timedCall(ctx, "synthesis_first", durations, assembled)
	if err != nil {
		// First call exhausted: the turn fails with nothing persisted.
		return protocol.TurnResponse{}, fmt.Errorf("%w: first call: %v", ErrSynthesisFailure, err)
	}

	// Persist continuity before retrieval so the next turn inherits it even
	// if everything after this point fails.
	o.persistPackage(req.ConversationID, syn.TurnContextPackage)

	decision, err := o.normalizeDecision(syn)
	if err != nil {
		return protocol.TurnResponse{}, err
	}

	responseText := syn.ResponsePlan.DirectResponseText
	uiActions := syn.UIActionHints
	salvageUsed := info.SalvageUsed
	var report protocol.RetrievalReport

	cycles := 0
	for decision == protocol.DecisionQueryMemory {
		if cycles >= o.cfg.MaxRetrievalCycles {
			// The cap keeps a retrieval-happy model from looping; its draft
			// text is used as-is.
			o.event("retrieval_cycle_capped")
			break
		}
		phrases := syn.ResponsePlan.KeyPhrasesForRetrieval
		if len(phrases) == 0 {
			o.event("empty_key_phrases")
			break
		}
		cycles++

		retrStart := time.Now()
		res := o.retriever.Retrieve(ctx, req.UserID, phrases)
		o.observeStage("retrieval", durations, retrStart)
		report = protocol.RetrievalReport{Used: true, ResultCount: len(res.Results), Degraded: res.Degraded}

		in.Retrieved = res.Results
		assembled, err = o.timedAssemble(ctx, "assemble_second", durations, in)
		if err != nil {
			return protocol.TurnResponse{}, err
		}

		syn, info, err = o.timedCall(ctx, "synthesis_second", durations, assembled)
		if err != nil {
			// The first call's package is already persisted for the next turn.
			return protocol.TurnResponse{}, fmt.Errorf("%w: second call: %v", ErrSynthesisFailure, err)
		}
		o.persistPackage(req.ConversationID, syn.TurnContextPackage)

		responseText = syn.ResponsePlan.DirectResponseText
		uiActions = syn.UIActionHints
		salvageUsed = salvageUsed || info.SalvageUsed

		decision, err = o.normalizeDecision(syn)
		if err != nil {
			return protocol.TurnResponse{}, err
		}
	}

	finalDecision := protocol.DecisionRespondDirectly
	if report.Used {
		finalDecision = protocol.DecisionQueryMemory
	}

	o.saveExchange(ctx, req, responseText)
	o.turns.Heartbeat(req.ConversationID)

	total := time.Since(turnStart)
	durations["total"] = total.Milliseconds()
	o.metrics.Turns.WithLabelValues(finalDecision).Inc()
	o.metrics.ObserveTurnLatency(total)

	return protocol.TurnResponse{
		TurnID:       turnID,
		ResponseText: responseText,
		UIActions:    uiActions,
		Metadata: protocol.TurnMetadata{
			Decision:    finalDecision,
			Retrieval:   report,
			SalvageUsed: salvageUsed,
			DurationsMS: durations,
		},
	}, nil
}

func (o *Orchestrator) timedAssemble(ctx context.Context, stage string, durations map[string]int64, in prompt.Input) (prompt.Output, error) {
	start := time.Now()
	out, err := o.assembler.Assemble(ctx, in)
	o.observeStage(stage, durations, start)
	if err != nil {
		return prompt.Output{}, fmt.Errorf("assemble: %w", err)
	}
	return out, nil
}

func (o *Orchestrator) timedCall(ctx context.Context, stage string, durations map[string]int64, out prompt.Output) (protocol.Synthesis, llm.CallInfo, error) {
	start := time.Now()
	syn, info, err := o.gateway.Call(ctx, llm.Request{
		System:  out.SystemPrompt,
		User:    out.UserPrompt,
		History: historyMessages(out.History),
	})
	o.observeStage(stage, durations, start)
	return syn, info, err
}

// normalizeDecision maps the model's decision field onto the two supported
// behaviors. An unknown value with usable text answers directly; an unknown
// value with nothing to say is a malformed output.
func (o *Orchestrator) normalizeDecision(syn protocol.Synthesis) (string, error) {
	switch syn.ResponsePlan.Decision {
	case protocol.DecisionRespondDirectly:
		return protocol.DecisionRespondDirectly, nil
	case protocol.DecisionQueryMemory:
		return protocol.DecisionQueryMemory, nil
	default:
		if strings.TrimSpace(syn.ResponsePlan.DirectResponseText) != "" {
			o.event("unknown_decision")
			return protocol.DecisionRespondDirectly, nil
		}
		return "", fmt.Errorf("%w: unknown decision %q with no response text", protocol.ErrMalformedSynthesis, syn.ResponsePlan.Decision)
	}
}

func (o *Orchestrator) persistPackage(conversationID string, pkg protocol.ContextPackage) {
	if pkg.IsZero() {
		return
	}
	o.turns.Set(conversationID, pkg, o.cfg.TurnContextTTL)
}

// saveExchange appends the user and assistant messages to durable history.
// Best effort: a failed write loses one window entry, not the turn.
func (o *Orchestrator) saveExchange(ctx context.Context, req protocol.TurnRequest, responseText string) {
	now := time.Now().UTC()
	userMsg := memory.ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Role:           memory.RoleUser,
		Content:        req.InputText,
		CreatedAt:      now,
	}
	if err := o.store.SaveMessage(ctx, userMsg); err != nil {
		o.event("history_save_failed")
		return
	}
	if strings.TrimSpace(responseText) == "" {
		return
	}
	assistantMsg := memory.ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Role:           memory.RoleAssistant,
		Content:        responseText,
		CreatedAt:      now.Add(time.Millisecond),
	}
	if err := o.store.SaveMessage(ctx, assistantMsg); err != nil {
		o.event("history_save_failed")
	}
}

func (o *Orchestrator) observeStage(stage string, durations map[string]int64, start time.Time) {
	d := time.Since(start)
	durations[stage] = d.Milliseconds()
	o.metrics.ObserveTurnStage(stage, d)
}

func (o *Orchestrator) event(name string) {
	o.metrics.TurnEvents.WithLabelValues(name).Inc()
}

func foldMedia(media []protocol.MediaRef) []string {
	if len(media) == 0 {
		return nil
	}
	out := make([]string, 0, len(media))
	for _, m := range media {
		if strings.TrimSpace(m.ResolvedText) == "" {
			continue
		}
		kind := strings.TrimSpace(m.Kind)
		if kind == "" {
			kind = "media"
		}
		out = append(out, kind+": "+m.ResolvedText)
	}
	return out
}

func historyMessages(msgs []memory.ConversationMessage) []llm.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
