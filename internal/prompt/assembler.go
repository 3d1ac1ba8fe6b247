package prompt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/ent0n29/aura/internal/memory"
	"github.com/ent0n29/aura/internal/observability"
	"github.com/ent0n29/aura/internal/retrieval"
	"github.com/ent0n29/aura/internal/turnstate"
)

// ErrNoUserMessage means the history window contains messages but none of
// them is user-authored. The downstream model is sensitive to turn
// alternation, so assembly fails loudly instead of guessing.
var ErrNoUserMessage = errors.New("history window has no user message")

type Config struct {
	PersonaName   string
	HistoryWindow int
	DynamicTTL    time.Duration
}

// Input is everything one assembly needs beyond what the stores hold.
// Retrieved is empty on the first call of a turn and carries the fused
// results on the second.
type Input struct {
	UserID         string
	ConversationID string
	InputText      string
	Attachments    []string
	Retrieved      []retrieval.FusedResult
}

type Output struct {
	SystemPrompt string
	UserPrompt   string
	History      []memory.ConversationMessage
}

// Assembler composes the system and user prompts from four stability tiers:
// static identity, operational policy, per-user dynamic context, and the
// current turn. The first three consult the cache; the fourth never does.
type Assembler struct {
	store   memory.ContextStore
	turns   *turnstate.Store
	cache   *Cache
	metrics *observability.Metrics
	cfg     Config
}

func NewAssembler(store memory.ContextStore, turns *turnstate.Store, cache *Cache, metrics *observability.Metrics, cfg Config) *Assembler {
	if cfg.PersonaName == "" {
		cfg.PersonaName = "Aura"
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.DynamicTTL <= 0 {
		cfg.DynamicTTL = 5 * time.Minute
	}
	return &Assembler{store: store, turns: turns, cache: cache, metrics: metrics, cfg: cfg}
}

func (a *Assembler) Assemble(ctx context.Context, in Input) (Output, error) {
	identity, err := a.section(TierIdentity, "deployment", Fingerprint(a.cfg.PersonaName), 0,
		identityTemplate, identityData{PersonaName: a.cfg.PersonaName})
	if err != nil {
		return Output{}, err
	}
	policy, err := a.section(TierPolicy, "deployment", Fingerprint(a.cfg.PersonaName), 0,
		policyTemplate, policyData{PersonaName: a.cfg.PersonaName})
	if err != nil {
		return Output{}, err
	}

	history, err := a.loadHistory(ctx, in.ConversationID)
	if err != nil {
		return Output{}, err
	}

	profile, err := a.store.Profile(ctx, in.UserID)
	if err != nil {
		// A missing user record has no safe default; the turn fails.
		return Output{}, fmt.Errorf("load profile for %s: %w", in.UserID, err)
	}

	lastConversation, lastFocus, lastTone := a.continuity(ctx, in.UserID, in.ConversationID)

	data := dynamicData{
		DisplayName:      profile.DisplayName,
		Facts:            profile.Facts,
		ViewContext:      profile.ViewContext,
		LastConversation: lastConversation,
		LastTurnFocus:    lastFocus,
		LastTurnTone:     lastTone,
		Memories:         memoryLines(in.Retrieved),
		History:          renderHistory(history),
	}
	dynamic, err := a.section(TierDynamic, in.UserID+"|"+in.ConversationID, dynamicFingerprint(data), a.cfg.DynamicTTL,
		dynamicTemplate, data)
	if err != nil {
		return Output{}, err
	}

	turn, err := render(turnTemplate, turnData{InputText: in.InputText, Attachments: in.Attachments})
	if err != nil {
		return Output{}, fmt.Errorf("render turn section: %w", err)
	}

	return Output{
		SystemPrompt: joinNonEmpty("\n\n", identity, policy, dynamic),
		UserPrompt:   turn,
		History:      history,
	}, nil
}

// section serves one cacheable tier, fingerprint-gated: the fingerprint is
// recomputed from the current inputs on every call, so a stale cached render
// simply misses and is rebuilt.
func (a *Assembler) section(tier, scope, fingerprint string, ttl time.Duration, t *template.Template, data any) (string, error) {
	if a.cache != nil {
		if cached, ok := a.cache.Get(tier, scope, fingerprint); ok {
			return cached, nil
		}
	}
	rendered, err := render(t, data)
	if err != nil {
		return "", fmt.Errorf("render %s section: %w", tier, err)
	}
	if a.cache != nil {
		a.cache.Set(tier, scope, fingerprint, rendered, ttl)
	}
	return rendered, nil
}

// loadHistory fetches the bounded recent window fresh, orders it
// chronologically regardless of the store's native ordering, and drops
// leading assistant messages so the rendered transcript starts with the
// user.
func (a *Assembler) loadHistory(ctx context.Context, conversationID string) ([]memory.ConversationMessage, error) {
	msgs, err := a.store.RecentMessages(ctx, conversationID, a.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	first := -1
	for i, m := range msgs {
		if m.Role == memory.RoleUser {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, ErrNoUserMessage
	}
	return msgs[first:], nil
}

// continuity picks exactly one of the two forward-context sources: the prior
// turn's package when this conversation already has live turn state, the
// last conversation's summary otherwise.
func (a *Assembler) continuity(ctx context.Context, userID, conversationID string) (lastConversation, lastFocus, lastTone string) {
	if a.turns != nil {
		if pkg, ok := a.turns.Get(conversationID); ok && !pkg.IsZero() {
			return "", pkg.SuggestedNextFocus, pkg.EmotionalToneToAdopt
		}
	}
	summary, err := a.store.LatestConversationSummary(ctx, userID, conversationID)
	if err != nil {
		// No prior conversation is an ordinary state for a new user.
		return "", "", ""
	}
	return summary.Summary, "", ""
}

func renderHistory(msgs []memory.ConversationMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func memoryLines(results []retrieval.FusedResult) []memoryLine {
	if len(results) == 0 {
		return nil
	}
	lines := make([]memoryLine, 0, len(results))
	for _, r := range results {
		content := r.Content
		if strings.TrimSpace(content) == "" {
			content = r.Summary
		}
		lines = append(lines, memoryLine{
			Kind:    r.Kind,
			Score:   fmt.Sprintf("%.2f", r.Score),
			Content: content,
		})
	}
	return lines
}

func dynamicFingerprint(d dynamicData) string {
	parts := []string{d.DisplayName, d.ViewContext, d.LastConversation, d.LastTurnFocus, d.LastTurnTone, d.History}
	parts = append(parts, d.Facts...)
	for _, m := range d.Memories {
		parts = append(parts, m.Kind, m.Score, m.Content)
	}
	return Fingerprint(parts...)
}
