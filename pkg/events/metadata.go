package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanglechat/tangle/pkg/conversation"
)

// EventMetadata travels with every event and correlates it back to the
// session, turn and message it belongs to.
type EventMetadata struct {
	ID        uuid.UUID `json:"event_id"`
	SessionID string    `json:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`

	Provider   string              `json:"provider,omitempty"`
	Model      string              `json:"model,omitempty"`
	StopReason string              `json:"stop_reason,omitempty"`
	Usage      *conversation.Usage `json:"usage,omitempty"`

	// Extra carries provider-specific or context values.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.Provider != "" {
		e.Str("provider", em.Provider)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.StopReason != "" {
		e.Str("stop_reason", em.StopReason)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
		if em.Usage.CachedTokens > 0 {
			e.Int("cached_tokens", em.Usage.CachedTokens)
		}
	}
}
