package claude

import (
	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/settings"
)

const (
	defaultMaxTokens     = 4096
	defaultSearchMaxUses = 5
)

// thinkingBudget maps the provider-neutral reasoning effort onto
// Anthropic's extended-thinking token budget.
func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 4096
	case "high":
		return 16384
	default:
		return 0
	}
}

// formatSearchHit renders one web search hit as a markdown source line.
func formatSearchHit(hit WebSearchResult) string {
	if hit.URL == "" {
		return hit.Title + "\n"
	}
	return "[" + hit.Title + "](" + hit.URL + ")\n"
}

// makeMessagesRequest translates a Turn into an Anthropic messages request.
// System blocks collapse into the top-level system prompt; tool_use blocks
// ride inside assistant messages and tool_result blocks inside user
// messages, which is the shape the Messages API expects.
func makeMessagesRequest(s *settings.Settings, t *engine.Turn) (*MessagesRequest, error) {
	chat := s.Chat
	if chat.Model == "" {
		return nil, errors.New("no model specified")
	}

	system := ""
	var msgs []MessageParam
	appendContent := func(role string, content ContentParam) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, content)
			return
		}
		msgs = append(msgs, MessageParam{Role: role, Content: []ContentParam{content}})
	}

	for _, block := range t.Blocks {
		switch block.Kind {
		case engine.BlockKindSystem:
			if system != "" {
				system += "\n\n"
			}
			system += block.Text
		case engine.BlockKindUser:
			appendContent("user", ContentParam{Type: "text", Text: block.Text})
		case engine.BlockKindAssistant:
			appendContent("assistant", ContentParam{Type: "text", Text: block.Text})
		case engine.BlockKindToolCall:
			appendContent("assistant", ContentParam{
				Type:  "tool_use",
				ID:    block.ToolID,
				Name:  block.ToolName,
				Input: block.Args,
			})
		case engine.BlockKindToolResult:
			appendContent("user", ContentParam{
				Type:      "tool_result",
				ToolUseID: block.ToolID,
				Content:   block.Result,
				IsError:   block.IsError,
			})
		case engine.BlockKindReasoning:
			// thinking text is not replayed upstream
		}
	}

	maxTokens := defaultMaxTokens
	if chat.MaxResponseTokens != nil {
		maxTokens = *chat.MaxResponseTokens
	}

	req := &MessagesRequest{
		Model:         chat.Model,
		System:        system,
		Messages:      msgs,
		MaxTokens:     maxTokens,
		Temperature:   chat.Temperature,
		TopP:          chat.TopP,
		StopSequences: chat.Stop,
	}

	if budget := thinkingBudget(chat.ReasoningEffort); budget > 0 {
		req.Thinking = &ThinkingParam{Type: "enabled", BudgetTokens: budget}
	}

	if t.ToolConfig.Enabled {
		for _, tool := range t.Tools {
			req.Tools = append(req.Tools, ToolParam{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			})
		}
	}

	if chat.EnableSearch {
		req.Tools = append(req.Tools, ToolParam{
			Type:    "web_search_20250305",
			Name:    "web_search",
			MaxUses: defaultSearchMaxUses,
		})
	}

	return req, nil
}
