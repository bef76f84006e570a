package openai

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/settings"
)

// ToolCallMerger accumulates streamed tool-call fragments by choice index.
// OpenAI sends the function name in the first fragment and the arguments in
// arbitrarily sized later fragments; concatenating per index rebuilds the
// complete call.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{toolCalls: make(map[int]go_openai.ToolCall)}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := tcm.toolCalls[index]; found {
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			if existing.ID == "" {
				existing.ID = call.ID
			}
			tcm.toolCalls[index] = existing
		} else {
			tcm.toolCalls[index] = call
		}
	}
}

func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indices := make([]int, 0, len(tcm.toolCalls))
	for idx := range tcm.toolCalls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	result := make([]go_openai.ToolCall, 0, len(indices))
	for _, idx := range indices {
		result = append(result, tcm.toolCalls[idx])
	}
	return result
}

func makeClient(s *settings.Settings) (*go_openai.Client, error) {
	provider, ok := s.Provider(settings.ApiTypeOpenAI)
	if !ok || provider.APIKey == "" {
		return nil, errors.New("no openai API key configured")
	}
	config := go_openai.DefaultConfig(provider.APIKey)
	if provider.BaseURL != "" {
		config.BaseURL = provider.BaseURL
	}
	return go_openai.NewClientWithConfig(config), nil
}

// makeCompletionRequest translates a Turn's blocks and the sampling
// settings into an OpenAI chat completion request. Tool-call blocks are
// folded back into assistant messages with tool_calls, followed by their
// tool-result messages, preserving the adjacency OpenAI requires.
func makeCompletionRequest(s *settings.Settings, t *engine.Turn) (*go_openai.ChatCompletionRequest, error) {
	chat := s.Chat
	if chat.Model == "" {
		return nil, errors.New("no model specified")
	}

	var msgs []go_openai.ChatCompletionMessage
	for _, block := range t.Blocks {
		switch block.Kind {
		case engine.BlockKindSystem:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleSystem,
				Content: block.Text,
			})
		case engine.BlockKindUser:
			msg := go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleUser,
				Content: block.Text,
			}
			if len(block.Images) > 0 {
				parts := []go_openai.ChatMessagePart{{Type: go_openai.ChatMessagePartTypeText, Text: block.Text}}
				for _, img := range block.Images {
					url := img.URL
					if url == "" && len(img.Data) > 0 {
						url = fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data))
					}
					parts = append(parts, go_openai.ChatMessagePart{
						Type:     go_openai.ChatMessagePartTypeImageURL,
						ImageURL: &go_openai.ChatMessageImageURL{URL: url},
					})
				}
				msg.Content = ""
				msg.MultiContent = parts
			}
			msgs = append(msgs, msg)
		case engine.BlockKindAssistant:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:    go_openai.ChatMessageRoleAssistant,
				Content: block.Text,
			})
		case engine.BlockKindToolCall:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role: go_openai.ChatMessageRoleAssistant,
				ToolCalls: []go_openai.ToolCall{{
					ID:   block.ToolID,
					Type: go_openai.ToolTypeFunction,
					Function: go_openai.FunctionCall{
						Name:      block.ToolName,
						Arguments: string(block.Args),
					},
				}},
			})
		case engine.BlockKindToolResult:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				Content:    block.Result,
				ToolCallID: block.ToolID,
			})
		case engine.BlockKindReasoning:
			// reasoning text is never sent back upstream
		}
	}

	req := &go_openai.ChatCompletionRequest{
		Model:    chat.Model,
		Messages: msgs,
		Stream:   true,
		StreamOptions: &go_openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if chat.Temperature != nil {
		req.Temperature = float32(*chat.Temperature)
	}
	if chat.TopP != nil {
		req.TopP = float32(*chat.TopP)
	}
	if chat.MaxResponseTokens != nil {
		req.MaxTokens = *chat.MaxResponseTokens
	}
	if len(chat.Stop) > 0 {
		req.Stop = chat.Stop
	}

	return req, nil
}
