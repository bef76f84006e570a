package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tanglechat/tangle/pkg/conversation"
)

type EventType string

const (
	EventTypeStart            EventType = "start"
	EventTypePartial          EventType = "partial"
	EventTypePartialReasoning EventType = "partial-reasoning"
	EventTypeSearchResult     EventType = "search-result"
	EventTypeRetrievalChunks  EventType = "retrieval-chunks"

	// Model requested a tool call (received from the provider stream).
	EventTypeToolCall   EventType = "tool-call"
	EventTypeToolResult EventType = "tool-result"
	// Execution-phase events: a tool is actually being run locally.
	EventTypeToolCallExecute         EventType = "tool-call-execute"
	EventTypeToolCallExecutionResult EventType = "tool-call-execution-result"

	EventTypeUsage        EventType = "usage"
	EventTypeTitleChanged EventType = "title-changed"
	EventTypeFinal        EventType = "final"
	EventTypeInterrupt    EventType = "interrupt"
	EventTypeError        EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON this event was decoded from, if any
	payload []byte
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }
func (e *EventImpl) Payload() []byte         { return e.payload }
func (e *EventImpl) SetPayload(b []byte)     { e.payload = b }

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{EventImpl{Type_: EventTypeStart, Metadata_: metadata}}
}

// EventPartial carries one content delta plus the cumulative completion so
// far, so consumers can either append or replace.
type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(metadata EventMetadata, delta, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

// EventPartialReasoning mirrors EventPartial for reasoning/thinking text,
// kept as a separate stream so UIs can render it apart from the answer.
type EventPartialReasoning struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialReasoningEvent(metadata EventMetadata, delta, completion string) *EventPartialReasoning {
	return &EventPartialReasoning{
		EventImpl:  EventImpl{Type_: EventTypePartialReasoning, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventSearchResult struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewSearchResultEvent(metadata EventMetadata, delta string) *EventSearchResult {
	return &EventSearchResult{
		EventImpl: EventImpl{Type_: EventTypeSearchResult, Metadata_: metadata},
		Delta:     delta,
	}
}

// RetrievalChunk is one ranked retrieval hit attached to a turn.
type RetrievalChunk struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	SourceID   string  `json:"source_id,omitempty"`
	Similarity float64 `json:"similarity"`
}

type EventRetrievalChunks struct {
	EventImpl
	Chunks []RetrievalChunk `json:"chunks"`
}

func NewRetrievalChunksEvent(metadata EventMetadata, chunks []RetrievalChunk) *EventRetrievalChunks {
	return &EventRetrievalChunks{
		EventImpl: EventImpl{Type_: EventTypeRetrievalChunks, Metadata_: metadata},
		Chunks:    chunks,
	}
}

type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

type EventToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCall {
	return &EventToolCall{
		EventImpl: EventImpl{Type_: EventTypeToolCall, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

type ToolResult struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type EventToolResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolResult {
	return &EventToolResult{
		EventImpl:  EventImpl{Type_: EventTypeToolResult, Metadata_: metadata},
		ToolResult: toolResult,
	}
}

type EventToolCallExecute struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallExecuteEvent(metadata EventMetadata, toolCall ToolCall) *EventToolCallExecute {
	return &EventToolCallExecute{
		EventImpl: EventImpl{Type_: EventTypeToolCallExecute, Metadata_: metadata},
		ToolCall:  toolCall,
	}
}

type EventToolCallExecutionResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
}

func NewToolCallExecutionResultEvent(metadata EventMetadata, toolResult ToolResult) *EventToolCallExecutionResult {
	return &EventToolCallExecutionResult{
		EventImpl:  EventImpl{Type_: EventTypeToolCallExecutionResult, Metadata_: metadata},
		ToolResult: toolResult,
	}
}

type EventUsage struct {
	EventImpl
	Usage conversation.Usage `json:"usage"`
	Cost  float64            `json:"cost,omitempty"`
}

func NewUsageEvent(metadata EventMetadata, usage conversation.Usage, cost float64) *EventUsage {
	return &EventUsage{
		EventImpl: EventImpl{Type_: EventTypeUsage, Metadata_: metadata},
		Usage:     usage,
		Cost:      cost,
	}
}

type EventTitleChanged struct {
	EventImpl
	Title string `json:"title"`
}

func NewTitleChangedEvent(metadata EventMetadata, title string) *EventTitleChanged {
	return &EventTitleChanged{
		EventImpl: EventImpl{Type_: EventTypeTitleChanged, Metadata_: metadata},
		Title:     title,
	}
}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

// EventInterrupt carries the partial text accumulated up to an abort.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

// NewEventFromJSON decodes a serialized event back into its typed form.
// Used by bus consumers on the far side of a watermill topic.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	decode := func(target Event) (Event, error) {
		if err := json.Unmarshal(b, target); err != nil {
			return nil, err
		}
		if setter, ok := target.(interface{ SetPayload([]byte) }); ok {
			setter.SetPayload(b)
		}
		return target, nil
	}

	switch hdr.Type {
	case EventTypeStart:
		return decode(&EventStart{})
	case EventTypePartial:
		return decode(&EventPartial{})
	case EventTypePartialReasoning:
		return decode(&EventPartialReasoning{})
	case EventTypeSearchResult:
		return decode(&EventSearchResult{})
	case EventTypeRetrievalChunks:
		return decode(&EventRetrievalChunks{})
	case EventTypeToolCall:
		return decode(&EventToolCall{})
	case EventTypeToolResult:
		return decode(&EventToolResult{})
	case EventTypeToolCallExecute:
		return decode(&EventToolCallExecute{})
	case EventTypeToolCallExecutionResult:
		return decode(&EventToolCallExecutionResult{})
	case EventTypeUsage:
		return decode(&EventUsage{})
	case EventTypeTitleChanged:
		return decode(&EventTitleChanged{})
	case EventTypeFinal:
		return decode(&EventFinal{})
	case EventTypeInterrupt:
		return decode(&EventInterrupt{})
	case EventTypeError:
		return decode(&EventError{})
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
}
