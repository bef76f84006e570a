package gemini

import (
	"encoding/json"
	"testing"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/engine"
)

func TestSplitBlocks_SystemHistoryAndLast(t *testing.T) {
	blocks := []engine.Block{
		engine.NewSystemBlock("you are helpful"),
		engine.NewUserBlock("hello"),
		engine.NewAssistantBlock("hi there"),
		engine.NewUserBlock("what is 2+2?"),
	}

	system, history, last := splitBlocks(blocks)

	assert.Equal(t, "you are helpful", system)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	require.Len(t, last, 1)
	assert.Equal(t, genai.Text("what is 2+2?"), last[0])
}

func TestSplitBlocks_MergesConsecutiveSameRole(t *testing.T) {
	blocks := []engine.Block{
		engine.NewAssistantBlock("part one"),
		engine.NewAssistantBlock("part two"),
		engine.NewUserBlock("go on"),
	}

	_, history, last := splitBlocks(blocks)

	require.Len(t, history, 1)
	assert.Equal(t, "model", history[0].Role)
	assert.Len(t, history[0].Parts, 2)
	require.Len(t, last, 1)
}

func TestSplitBlocks_ToolExchange(t *testing.T) {
	blocks := []engine.Block{
		engine.NewUserBlock("weather in paris?"),
		engine.NewToolCallBlock("call-1", "get_weather", json.RawMessage(`{"city":"paris"}`)),
		{Kind: engine.BlockKindToolResult, ToolID: "call-1", ToolName: "get_weather", Result: `{"temp":21}`},
	}

	_, history, last := splitBlocks(blocks)

	require.Len(t, history, 2)
	fc, ok := history[1].Parts[0].(genai.FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "get_weather", fc.Name)
	assert.Equal(t, "paris", fc.Args["city"])

	fr, ok := last[0].(genai.FunctionResponse)
	require.True(t, ok)
	assert.Equal(t, "get_weather", fr.Name)
	assert.Equal(t, float64(21), fr.Response["temp"])
}

func TestSplitBlocks_TrailingAssistantGetsEmptyContinuation(t *testing.T) {
	blocks := []engine.Block{
		engine.NewUserBlock("hello"),
		engine.NewAssistantBlock("hi"),
	}

	_, history, last := splitBlocks(blocks)

	require.Len(t, history, 2)
	require.Len(t, last, 1)
	assert.Equal(t, genai.Text(""), last[0])
}

func TestConvertSchema(t *testing.T) {
	var schema jsonschema.Schema
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"city": {"type": "string", "description": "city name"},
			"days": {"type": "integer"},
			"tags": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["city"]
	}`), &schema))

	gs := convertSchema(&schema)
	require.NotNil(t, gs)
	assert.Equal(t, genai.TypeObject, gs.Type)
	assert.Equal(t, []string{"city"}, gs.Required)
	require.Contains(t, gs.Properties, "city")
	assert.Equal(t, genai.TypeString, gs.Properties["city"].Type)
	assert.Equal(t, "city name", gs.Properties["city"].Description)
	assert.Equal(t, genai.TypeInteger, gs.Properties["days"].Type)
	assert.Equal(t, genai.TypeArray, gs.Properties["tags"].Type)
	require.NotNil(t, gs.Properties["tags"].Items)
	assert.Equal(t, genai.TypeString, gs.Properties["tags"].Items.Type)
}
