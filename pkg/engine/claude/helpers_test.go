package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/settings"
)

func TestMakeMessagesRequestCollapsesSystemBlocks(t *testing.T) {
	s := settings.NewSettings()
	s.Chat.ApiType = settings.ApiTypeClaude
	s.Chat.Model = "claude-sonnet-4-5"

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(
		engine.NewSystemBlock("be helpful"),
		engine.NewSystemBlock("answer in French"),
		engine.NewUserBlock("bonjour"),
	)

	req, err := makeMessagesRequest(s, turn)
	require.NoError(t, err)
	assert.Equal(t, "be helpful\n\nanswer in French", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestMakeMessagesRequestToolShapes(t *testing.T) {
	s := settings.NewSettings()
	s.Chat.ApiType = settings.ApiTypeClaude
	s.Chat.Model = "claude-sonnet-4-5"

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(
		engine.NewUserBlock("weather?"),
		engine.NewAssistantBlock("let me check"),
		engine.NewToolCallBlock("tu-1", "get_weather", []byte(`{"location":"Paris"}`)),
		engine.NewToolResultBlock("tu-1", `{"temp":21}`, false),
	)

	req, err := makeMessagesRequest(s, turn)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)

	// tool_use merged into the preceding assistant message
	assistant := req.Messages[1]
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, "tool_use", assistant.Content[1].Type)
	assert.Equal(t, "tu-1", assistant.Content[1].ID)

	// tool_result rides in a user message
	result := req.Messages[2]
	assert.Equal(t, "user", result.Role)
	assert.Equal(t, "tool_result", result.Content[0].Type)
	assert.Equal(t, "tu-1", result.Content[0].ToolUseID)
}

func TestMakeMessagesRequestWebSearchTool(t *testing.T) {
	s := settings.NewSettings()
	s.Chat.ApiType = settings.ApiTypeClaude
	s.Chat.Model = "claude-sonnet-4-5"
	s.Chat.EnableSearch = true

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(engine.NewUserBlock("what changed in go 1.23?"))

	req, err := makeMessagesRequest(s, turn)
	require.NoError(t, err)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "web_search_20250305", req.Tools[0].Type)
	assert.Equal(t, "web_search", req.Tools[0].Name)
	assert.Nil(t, req.Tools[0].InputSchema)
}

func TestThinkingBudgetFromReasoningEffort(t *testing.T) {
	s := settings.NewSettings()
	s.Chat.ApiType = settings.ApiTypeClaude
	s.Chat.Model = "claude-sonnet-4-5"
	s.Chat.ReasoningEffort = "high"

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(engine.NewUserBlock("think hard"))

	req, err := makeMessagesRequest(s, turn)
	require.NoError(t, err)
	require.NotNil(t, req.Thinking)
	assert.Equal(t, "enabled", req.Thinking.Type)
	assert.Equal(t, 16384, req.Thinking.BudgetTokens)
}
