package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTurnRequest = errors.New("invalid turn request")

// MediaRef carries a non-text attachment already resolved to text by an
// upstream collaborator. The engine folds it into the prompt; it never sees
// raw bytes.
type MediaRef struct {
	Kind         string `json:"kind"`
	ResolvedText string `json:"resolved_text"`
}

type TurnRequest struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	InputText      string     `json:"input_text"`
	Media          []MediaRef `json:"media,omitempty"`
}

func (r TurnRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidTurnRequest)
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidTurnRequest)
	}
	if strings.TrimSpace(r.InputText) == "" && len(r.Media) == 0 {
		return fmt.Errorf("%w: input_text or media is required", ErrInvalidTurnRequest)
	}
	return nil
}

// RetrievalReport summarizes what retrieval contributed to a turn.
type RetrievalReport struct {
	Used        bool     `json:"used"`
	ResultCount int      `json:"result_count"`
	Degraded    []string `json:"degraded,omitempty"`
}

type TurnMetadata struct {
	Decision    string           `json:"decision"`
	Retrieval   RetrievalReport  `json:"retrieval"`
	SalvageUsed bool             `json:"salvage_used,omitempty"`
	DurationsMS map[string]int64 `json:"durations_ms,omitempty"`
}

type TurnResponse struct {
	TurnID       string            `json:"turn_id"`
	ResponseText string            `json:"response_text"`
	UIActions    []json.RawMessage `json:"ui_actions,omitempty"`
	Metadata     TurnMetadata      `json:"metadata"`
}
