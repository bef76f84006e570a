package openai

import (
	"testing"

	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/settings"
)

func intPtr(i int) *int { return &i }

func TestToolCallMergerConcatenatesFragments(t *testing.T) {
	merger := NewToolCallMerger()

	merger.AddToolCalls([]go_openai.ToolCall{{
		Index: intPtr(0),
		ID:    "call-1",
		Function: go_openai.FunctionCall{
			Name:      "get_weather",
			Arguments: `{"loca`,
		},
	}})
	merger.AddToolCalls([]go_openai.ToolCall{{
		Index: intPtr(0),
		Function: go_openai.FunctionCall{
			Arguments: `tion":"Paris"}`,
		},
	}})

	calls := merger.GetToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Function.Name)
	assert.Equal(t, `{"location":"Paris"}`, calls[0].Function.Arguments)
}

func TestToolCallMergerKeepsIndexOrder(t *testing.T) {
	merger := NewToolCallMerger()
	merger.AddToolCalls([]go_openai.ToolCall{
		{Index: intPtr(1), ID: "b", Function: go_openai.FunctionCall{Name: "second"}},
		{Index: intPtr(0), ID: "a", Function: go_openai.FunctionCall{Name: "first"}},
	})

	calls := merger.GetToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Function.Name)
	assert.Equal(t, "second", calls[1].Function.Name)
}

func TestMakeCompletionRequestToolAdjacency(t *testing.T) {
	s := settings.NewSettings()
	s.Chat.Model = "gpt-4o"

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(
		engine.NewSystemBlock("be helpful"),
		engine.NewUserBlock("weather in Paris?"),
		engine.NewToolCallBlock("call-1", "get_weather", []byte(`{"location":"Paris"}`)),
		engine.NewToolResultBlock("call-1", `{"temp":21}`, false),
	)

	req, err := makeCompletionRequest(s, turn)
	require.NoError(t, err)
	require.Len(t, req.Messages, 4)

	assert.Equal(t, go_openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, "call-1", req.Messages[2].ToolCalls[0].ID)
	assert.Equal(t, go_openai.ChatMessageRoleTool, req.Messages[3].Role)
	assert.Equal(t, "call-1", req.Messages[3].ToolCallID)
	assert.True(t, req.Stream)
}
