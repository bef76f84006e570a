package engine

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tanglechat/tangle/pkg/conversation"
)

type BlockKind string

const (
	BlockKindSystem     BlockKind = "system"
	BlockKindUser       BlockKind = "user"
	BlockKindAssistant  BlockKind = "assistant"
	BlockKindToolCall   BlockKind = "tool_call"
	BlockKindToolResult BlockKind = "tool_result"
	BlockKindReasoning  BlockKind = "reasoning"
)

// Block is one atomic unit within a Turn: a prompt message, a streamed
// assistant answer, a requested tool call or its result.
type Block struct {
	ID   string    `json:"id,omitempty"`
	Kind BlockKind `json:"kind"`

	Text string `json:"text,omitempty"`

	// Tool call / result payload.
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   string          `json:"result,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`

	Images []*conversation.ImagePart `json:"images,omitempty"`
}

// Turn is the unified input/output of one provider hop. Blocks accumulate
// across hops; Usage is only ever summed, so after a multi-hop turn it
// reflects the whole exchange.
type Turn struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Blocks []Block `json:"blocks"`

	Usage      conversation.Usage `json:"usage"`
	StopReason string             `json:"stop_reason,omitempty"`

	// ToolRegistryRef / ToolConfig travel with the Turn so each hop sees
	// the same declarations.
	Tools      []ToolDefinition `json:"-"`
	ToolConfig ToolConfig       `json:"-"`
}

func NewTurn(sessionID string) *Turn {
	return &Turn{ID: uuid.NewString(), SessionID: sessionID}
}

func (t *Turn) AppendBlock(blocks ...Block) {
	t.Blocks = append(t.Blocks, blocks...)
}

func NewSystemBlock(text string) Block {
	return Block{ID: uuid.NewString(), Kind: BlockKindSystem, Text: text}
}

func NewUserBlock(text string, images ...*conversation.ImagePart) Block {
	return Block{ID: uuid.NewString(), Kind: BlockKindUser, Text: text, Images: images}
}

func NewAssistantBlock(text string) Block {
	return Block{ID: uuid.NewString(), Kind: BlockKindAssistant, Text: text}
}

func NewReasoningBlock(text string) Block {
	return Block{ID: uuid.NewString(), Kind: BlockKindReasoning, Text: text}
}

func NewToolCallBlock(toolID, name string, args json.RawMessage) Block {
	return Block{ID: uuid.NewString(), Kind: BlockKindToolCall, ToolID: toolID, ToolName: name, Args: args}
}

func NewToolResultBlock(toolID, result string, isError bool) Block {
	return Block{ID: uuid.NewString(), Kind: BlockKindToolResult, ToolID: toolID, Result: result, IsError: isError}
}

// PendingToolCalls returns the tool-call blocks that have no matching
// tool-result block yet. The recursion driver uses this to decide whether
// another hop is needed.
func (t *Turn) PendingToolCalls() []Block {
	answered := map[string]bool{}
	for _, b := range t.Blocks {
		if b.Kind == BlockKindToolResult {
			answered[b.ToolID] = true
		}
	}
	var pending []Block
	for _, b := range t.Blocks {
		if b.Kind == BlockKindToolCall && !answered[b.ToolID] {
			pending = append(pending, b)
		}
	}
	return pending
}

// AssistantText concatenates assistant block text across hops into the one
// logical output stream of the turn.
func (t *Turn) AssistantText() string {
	out := ""
	for _, b := range t.Blocks {
		if b.Kind == BlockKindAssistant {
			out += b.Text
		}
	}
	return out
}

// ReasoningText concatenates reasoning block text across hops.
func (t *Turn) ReasoningText() string {
	out := ""
	for _, b := range t.Blocks {
		if b.Kind == BlockKindReasoning {
			out += b.Text
		}
	}
	return out
}

// BlocksFromMessages converts a resolved branch into prompt blocks.
// Tool-call parts on assistant messages become tool_call blocks so the
// provider sees the full exchange shape on re-submission.
func BlocksFromMessages(msgs []*conversation.Message) []Block {
	var blocks []Block
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleSystem:
			blocks = append(blocks, NewSystemBlock(msg.Content))
		case conversation.RoleUser:
			var images []*conversation.ImagePart
			for _, p := range msg.Parts {
				if p.Kind == conversation.PartKindImage {
					images = append(images, p.Image)
				}
			}
			blocks = append(blocks, NewUserBlock(msg.Content, images...))
		case conversation.RoleAssistant:
			if msg.Content != "" {
				blocks = append(blocks, NewAssistantBlock(msg.Content))
			}
			for _, p := range msg.Parts {
				if p.Kind == conversation.PartKindToolCall && p.ToolCall != nil {
					blocks = append(blocks, NewToolCallBlock(p.ToolCall.ID, p.ToolCall.Name, p.ToolCall.Input))
				}
			}
		case conversation.RoleTool:
			// tool-result messages carry the originating call id in their
			// single tool_call part
			toolID := ""
			for _, p := range msg.Parts {
				if p.Kind == conversation.PartKindToolCall && p.ToolCall != nil {
					toolID = p.ToolCall.ID
					break
				}
			}
			blocks = append(blocks, Block{
				ID:     uuid.NewString(),
				Kind:   BlockKindToolResult,
				ToolID: toolID,
				Result: msg.Content,
			})
		}
	}
	return blocks
}
