package orchestrator

import (
	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/settings"
)

// ErrValidation marks a malformed turn request, rejected before any
// persistence happens.
var ErrValidation = errors.New("invalid turn request")

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	// SessionID selects an existing session; empty means start a new one.
	SessionID string `json:"session_id,omitempty"`
	// ParentID pins the branch explicitly; nil means continue the latest
	// leaf of the session.
	ParentID conversation.MessageID `json:"parent_id,omitempty"`

	Content     string              `json:"content"`
	Attachments []conversation.Part `json:"attachments,omitempty"`

	// TraceID deduplicates re-submissions: a user message already stored
	// under it is matched instead of duplicated.
	TraceID string `json:"trace_id,omitempty"`
	// ResponseID is the client-preallocated id for the assistant message,
	// letting the caller render before any network round trip.
	ResponseID conversation.MessageID `json:"response_id,omitempty"`

	// Per-request overrides; empty values fall back to configured defaults.
	Provider settings.ApiType `json:"provider,omitempty"`
	Model    string           `json:"model,omitempty"`

	EnableTools     bool   `json:"enable_tools,omitempty"`
	EnableSearch    bool   `json:"enable_search,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// TurnResult is the terminal outcome of a turn after streaming finished.
type TurnResult struct {
	SessionID string                 `json:"session_id"`
	MessageID conversation.MessageID `json:"message_id"`

	Message *conversation.Message `json:"message"`
	Turn    *engine.Turn          `json:"-"`
}

func (r *TurnRequest) validate() error {
	if r.Content == "" && len(r.Attachments) == 0 {
		return errors.Wrap(ErrValidation, "empty content")
	}
	return nil
}
