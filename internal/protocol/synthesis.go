package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Decision values the model may emit in a response plan.
const (
	DecisionRespondDirectly = "respond_directly"
	DecisionQueryMemory     = "query_memory"
)

var ErrMalformedSynthesis = errors.New("malformed synthesis payload")

// Synthesis is the structured output contract for one model call.
type Synthesis struct {
	ThoughtProcess     string            `json:"thought_process"`
	ResponsePlan       ResponsePlan      `json:"response_plan"`
	TurnContextPackage ContextPackage    `json:"turn_context_package"`
	UIActionHints      []json.RawMessage `json:"ui_action_hints,omitempty"`
}

type ResponsePlan struct {
	Decision               string        `json:"decision"`
	KeyPhrasesForRetrieval KeyPhraseList `json:"key_phrases_for_retrieval,omitempty"`
	DirectResponseText     string        `json:"direct_response_text,omitempty"`
}

// ContextPackage is the handoff state persisted between turns for the
// follow-up model call and the ingestion pipeline.
type ContextPackage struct {
	SuggestedNextFocus   string   `json:"suggested_next_focus,omitempty"`
	EmotionalToneToAdopt string   `json:"emotional_tone_to_adopt,omitempty"`
	FlagsForIngestion    []string `json:"flags_for_ingestion,omitempty"`
}

func (p ContextPackage) IsZero() bool {
	return p.SuggestedNextFocus == "" && p.EmotionalToneToAdopt == "" && len(p.FlagsForIngestion) == 0
}

// KeyPhraseList tolerates the model emitting key phrases either as a JSON
// array or as a single delimited string. Both forms normalize to a clean
// slice at the parse boundary so downstream code never branches on shape.
type KeyPhraseList []string

func (k *KeyPhraseList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*k = nil
		return nil
	}
	switch trimmed[0] {
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*k = normalizePhrases(items)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*k = normalizePhrases(splitPhrases(s))
		return nil
	default:
		return fmt.Errorf("key_phrases_for_retrieval: expected string or array, got %s", preview(trimmed))
	}
}

func splitPhrases(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || r == '\n'
	})
}

func normalizePhrases(items []string) KeyPhraseList {
	out := make(KeyPhraseList, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func preview(b []byte) string {
	const max = 24
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// ParseSynthesis extracts the outermost JSON object from a raw model reply
// (first '{' through last '}') and decodes the synthesis contract. Prose
// around the object is tolerated; a reply with no usable plan is not.
func ParseSynthesis(raw []byte) (Synthesis, error) {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return Synthesis{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedSynthesis)
	}
	var syn Synthesis
	if err := json.Unmarshal(raw[start:end+1], &syn); err != nil {
		return Synthesis{}, fmt.Errorf("%w: %v", ErrMalformedSynthesis, err)
	}
	if syn.ResponsePlan.Decision == "" && syn.ResponsePlan.DirectResponseText == "" {
		return Synthesis{}, fmt.Errorf("%w: empty response plan", ErrMalformedSynthesis)
	}
	return syn, nil
}

var directResponsePattern = regexp.MustCompile(`"direct_response_text"\s*:\s*("(?:[^"\\]|\\.)*")`)

// SalvageDirectResponse pulls a usable direct_response_text value out of a
// reply that failed full JSON decoding, typically a truncated stream.
func SalvageDirectResponse(raw []byte) (string, bool) {
	m := directResponsePattern.FindSubmatch(raw)
	if m == nil {
		return "", false
	}
	text, err := strconv.Unquote(string(m[1]))
	if err != nil || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
