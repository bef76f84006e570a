package claude

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/settings"
)

// Engine is the Anthropic Messages API adapter.
type Engine struct {
	settings *settings.Settings
	config   *engine.Config
}

func NewEngine(s *settings.Settings, options ...engine.Option) (*Engine, error) {
	config := engine.NewConfig()
	if err := engine.ApplyOptions(config, options...); err != nil {
		return nil, err
	}
	return &Engine{settings: s, config: config}, nil
}

// pendingToolUse accumulates input_json_delta fragments for one tool_use
// content block while it streams.
type pendingToolUse struct {
	id    string
	name  string
	input string
}

func (e *Engine) RunInference(ctx context.Context, t *engine.Turn) (*engine.Turn, error) {
	log.Debug().Int("num_blocks", len(t.Blocks)).Str("model", e.settings.Chat.Model).Msg("claude inference started")

	provider, ok := e.settings.Provider(settings.ApiTypeClaude)
	if !ok || provider.APIKey == "" {
		return nil, errors.New("no claude API key configured")
	}
	client := NewClient(provider.APIKey, provider.BaseURL)

	req, err := makeMessagesRequest(e.settings, t)
	if err != nil {
		return nil, err
	}

	metadata := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: t.SessionID,
		TurnID:    t.ID,
		Provider:  string(settings.ApiTypeClaude),
		Model:     req.Model,
	}

	e.config.PublishEvent(ctx, events.NewStartEvent(metadata))

	stream, err := client.StreamMessages(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("claude streaming request failed")
		e.config.PublishEvent(ctx, events.NewErrorEvent(metadata, err))
		return nil, err
	}

	message := ""
	reasoning := ""
	searchHits := 0
	var usage conversation.Usage
	stopReason := ""
	pending := map[int]*pendingToolUse{}
	var toolOrder []int

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("claude streaming cancelled by context")
			e.config.PublishEvent(ctx, events.NewInterruptEvent(metadata, message))
			appendResponseBlocks(t, message, reasoning, nil, nil)
			return t, ctx.Err()
		case event, more := <-stream:
			if !more {
				goto streamingComplete
			}
			switch event.Type {
			case "message_start":
				if event.Message != nil && event.Message.Usage != nil {
					usage.InputTokens = event.Message.Usage.InputTokens
					usage.CachedTokens = event.Message.Usage.CacheReadInputTokens
				}
			case "content_block_start":
				if event.ContentBlock == nil {
					continue
				}
				switch event.ContentBlock.Type {
				case "tool_use":
					pending[event.Index] = &pendingToolUse{
						id:   event.ContentBlock.ID,
						name: event.ContentBlock.Name,
					}
					toolOrder = append(toolOrder, event.Index)
				case "web_search_tool_result":
					for _, hit := range event.ContentBlock.Content {
						if hit.Type != "web_search_result" {
							continue
						}
						searchHits++
						e.config.PublishEvent(ctx, events.NewSearchResultEvent(metadata, formatSearchHit(hit)))
					}
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				switch event.Delta.Type {
				case "text_delta":
					message += event.Delta.Text
					e.config.PublishEvent(ctx, events.NewPartialEvent(metadata, event.Delta.Text, message))
				case "thinking_delta":
					reasoning += event.Delta.Thinking
					e.config.PublishEvent(ctx, events.NewPartialReasoningEvent(metadata, event.Delta.Thinking, reasoning))
				case "input_json_delta":
					if p, ok := pending[event.Index]; ok {
						p.input += event.Delta.PartialJSON
					}
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "error":
				err := errors.Errorf("claude stream error (%s): %s", event.Error.Type, event.Error.Message)
				e.config.PublishEvent(ctx, events.NewErrorEvent(metadata, err))
				return nil, err
			}
		}
	}

streamingComplete:
	metadata.StopReason = stopReason
	if !usage.IsZero() {
		metadata.Usage = &usage
		e.config.PublishEvent(ctx, events.NewUsageEvent(metadata, usage, 0))
	}

	var toolUses []*pendingToolUse
	for _, idx := range toolOrder {
		p := pending[idx]
		toolUses = append(toolUses, p)
		e.config.PublishEvent(ctx, events.NewToolCallEvent(metadata, events.ToolCall{
			ID:    p.id,
			Name:  p.name,
			Input: p.input,
		}))
	}

	appendResponseBlocks(t, message, reasoning, toolUses, &usage)
	t.StopReason = stopReason

	if len(toolUses) == 0 {
		e.config.PublishEvent(ctx, events.NewFinalEvent(metadata, message))
	}

	log.Debug().
		Int("text_length", len(message)).
		Int("tool_uses", len(toolUses)).
		Int("search_hits", searchHits).
		Str("stop_reason", stopReason).
		Msg("claude inference complete")
	return t, nil
}

func appendResponseBlocks(t *engine.Turn, message, reasoning string, toolUses []*pendingToolUse, usage *conversation.Usage) {
	if reasoning != "" {
		t.AppendBlock(engine.NewReasoningBlock(reasoning))
	}
	if message != "" {
		t.AppendBlock(engine.NewAssistantBlock(message))
	}
	for _, p := range toolUses {
		t.AppendBlock(engine.NewToolCallBlock(p.id, p.name, json.RawMessage(p.input)))
	}
	if usage != nil {
		t.Usage.Add(*usage)
	}
}

var _ engine.Engine = (*Engine)(nil)
