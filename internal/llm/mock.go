package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/aura/internal/protocol"
)

// MockAdapter emits deterministic, well-formed synthesis JSON for
// development and for deployments with no model credentials configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

var memorySeekingMarkers = []string{
	"remember", "last time", "we talked", "my goal", "did i tell you", "what did i",
}

func (a *MockAdapter) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	input := strings.ToLower(req.User)
	hasMemories := strings.Contains(req.System, "MEMORIES retrieved for this turn")

	syn := protocol.Synthesis{
		ThoughtProcess: "mock adapter",
		TurnContextPackage: protocol.ContextPackage{
			SuggestedNextFocus:   "continue the current topic",
			EmotionalToneToAdopt: "warm",
		},
	}

	switch {
	case hasMemories:
		syn.ResponsePlan = protocol.ResponsePlan{
			Decision:           protocol.DecisionRespondDirectly,
			DirectResponseText: "Here is what I remember that relates to that: " + firstLine(req.User),
		}
	case seeksMemory(input):
		syn.ResponsePlan = protocol.ResponsePlan{
			Decision:               protocol.DecisionQueryMemory,
			KeyPhrasesForRetrieval: keyPhrasesFrom(req.User),
			DirectResponseText:     "Let me think back for a moment.",
		}
	default:
		syn.ResponsePlan = protocol.ResponsePlan{
			Decision:           protocol.DecisionRespondDirectly,
			DirectResponseText: "I hear you: " + firstLine(req.User),
		}
	}

	raw, err := json.Marshal(syn)
	if err != nil {
		return "", fmt.Errorf("mock marshal: %w", err)
	}
	return string(raw), nil
}

func seeksMemory(input string) bool {
	for _, marker := range memorySeekingMarkers {
		if strings.Contains(input, marker) {
			return true
		}
	}
	return false
}

func keyPhrasesFrom(input string) protocol.KeyPhraseList {
	words := strings.Fields(strings.ToLower(input))
	var phrases protocol.KeyPhraseList
	for _, w := range words {
		w = strings.Trim(w, ".,!?\"'")
		if len(w) > 4 && len(phrases) < 3 {
			phrases = append(phrases, w)
		}
	}
	if len(phrases) == 0 {
		phrases = protocol.KeyPhraseList{"recent conversation"}
	}
	return phrases
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
