package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageID uuid.UUID

// NilMessage is the null message id, used for the parent pointer of root
// messages.
var NilMessage = MessageID(uuid.Nil)

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func ParseMessageID(s string) (MessageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilMessage, err
	}
	return MessageID(id), nil
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

func (id MessageID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Status tracks the lifecycle of an assistant message while it streams.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

type PartKind string

const (
	PartKindText     PartKind = "text"
	PartKindImage    PartKind = "image"
	PartKindToolCall PartKind = "tool_call"
	PartKindSearch   PartKind = "search_results"
)

// Part is one structured content part of a message. Kind selects which of
// the payload fields is populated.
type Part struct {
	Kind     PartKind      `json:"kind"`
	Text     string        `json:"text,omitempty"`
	Image    *ImagePart    `json:"image,omitempty"`
	ToolCall *ToolCallPart `json:"tool_call,omitempty"`
}

type ImagePart struct {
	URL       string `json:"url,omitempty"`
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Name      string `json:"name,omitempty"`
}

type ToolCallPart struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

func NewToolCallPart(id, name string, input json.RawMessage) Part {
	return Part{Kind: PartKindToolCall, ToolCall: &ToolCallPart{ID: id, Name: name, Input: input}}
}

func NewSearchPart(text string) Part {
	return Part{Kind: PartKindSearch, Text: text}
}

// Usage accounts for tokens consumed by a turn. Multi-hop turns sum the
// usage of each hop through Add.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedTokens += other.CachedTokens
}

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CachedTokens == 0
}

// SummaryMarker tags a synthetic system message that holds the folded-in
// older portion of a branch. At most one is active per branch; a new
// compression pass replaces it instead of stacking a second one.
const SummaryMarker = "[conversation-summary]"

// Message is a single node in the conversation forest. ParentID is
// NilMessage for roots; the messages of a session form a forest connected
// through parent pointers only.
type Message struct {
	ID        MessageID `json:"id"`
	ParentID  MessageID `json:"parent_id"`
	SessionID string    `json:"session_id,omitempty"`

	Role             Role   `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Parts            []Part `json:"parts,omitempty"`

	Status Status  `json:"status"`
	Usage  Usage   `json:"usage"`
	Cost   float64 `json:"cost,omitempty"`

	// TraceID is the client-issued correlation id used to deduplicate
	// persistence across re-submissions.
	TraceID string `json:"trace_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageOption func(*Message)

func WithID(id MessageID) MessageOption {
	return func(m *Message) { m.ID = id }
}

func WithParentID(parentID MessageID) MessageOption {
	return func(m *Message) { m.ParentID = parentID }
}

func WithSessionID(sessionID string) MessageOption {
	return func(m *Message) { m.SessionID = sessionID }
}

func WithStatus(status Status) MessageOption {
	return func(m *Message) { m.Status = status }
}

func WithTraceID(traceID string) MessageOption {
	return func(m *Message) { m.TraceID = traceID }
}

func WithCreatedAt(t time.Time) MessageOption {
	return func(m *Message) { m.CreatedAt = t; m.UpdatedAt = t }
}

func WithParts(parts ...Part) MessageOption {
	return func(m *Message) { m.Parts = parts }
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	now := time.Now()
	m := &Message{
		ID:        NewMessageID(),
		ParentID:  NilMessage,
		Role:      role,
		Content:   content,
		Status:    StatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// NewSummaryMessage creates the synthetic system message carrying a rolling
// branch summary.
func NewSummaryMessage(summary string, options ...MessageOption) *Message {
	return NewMessage(RoleSystem, SummaryMarker+" "+summary, options...)
}

func (m *Message) IsSummary() bool {
	return m.Role == RoleSystem && strings.HasPrefix(m.Content, SummaryMarker)
}

// SummaryText returns the summary body without the marker prefix.
func (m *Message) SummaryText() string {
	return strings.TrimSpace(strings.TrimPrefix(m.Content, SummaryMarker))
}

func (m *Message) IsConversational() bool {
	return m.Role == RoleUser || m.Role == RoleAssistant
}

// IsEmpty reports whether a completed turn produced nothing worth keeping.
func (m *Message) IsEmpty() bool {
	return m.Content == "" && m.ReasoningContent == "" && len(m.Parts) == 0
}

func (m *Message) Clone() *Message {
	cp := *m
	if m.Parts != nil {
		cp.Parts = make([]Part, len(m.Parts))
		copy(cp.Parts, m.Parts)
	}
	return &cp
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s] %s", m.Role, m.Content)
}
