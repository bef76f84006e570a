package openai

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/settings"
)

// Engine is the OpenAI chat-completions adapter; it is the reference
// implementation of the engine contract.
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

func (e *Engine) RunInference(ctx context.Context, t *engine.Turn) (*engine.Turn, error) {
	log.Debug().Int("num_blocks", len(t.Blocks)).Str("model", e.settings.Chat.Model).Msg("openai inference started")

	client, err := makeClient(e.settings)
	if err != nil {
		return nil, err
	}
	req, err := makeCompletionRequest(e.settings, t)
	if err != nil {
		return nil, err
	}

	if t.ToolConfig.Enabled && len(t.Tools) > 0 {
		var openaiTools []go_openai.Tool
		for _, tool := range t.Tools {
			openaiTools = append(openaiTools, go_openai.Tool{
				Type: go_openai.ToolTypeFunction,
				Function: &go_openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
		req.Tools = openaiTools
		switch t.ToolConfig.ToolChoice {
		case engine.ToolChoiceNone:
			req.ToolChoice = "none"
		case engine.ToolChoiceRequired:
			req.ToolChoice = "required"
		default:
			req.ToolChoice = "auto"
		}
	}

	metadata := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: t.SessionID,
		TurnID:    t.ID,
		Provider:  string(settings.ApiTypeOpenAI),
		Model:     req.Model,
	}

	e.config.PublishEvent(ctx, events.NewStartEvent(metadata))

	stream, err := client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		log.Error().Err(err).Msg("openai streaming request failed")
		e.config.PublishEvent(ctx, events.NewErrorEvent(metadata, err))
		return nil, errors.Wrap(err, "create chat completion stream")
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close openai stream")
		}
	}()

	message := ""
	merger := NewToolCallMerger()
	var usage conversation.Usage
	stopReason := ""

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("openai streaming cancelled by context")
			e.config.PublishEvent(ctx, events.NewInterruptEvent(metadata, message))
			appendResponseBlocks(t, message, nil)
			return t, ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("openai stream receive failed")
			e.config.PublishEvent(ctx, events.NewErrorEvent(metadata, err))
			return nil, errors.Wrap(err, "receive stream chunk")
		}

		if response.Usage != nil {
			usage = conversation.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
			if response.Usage.PromptTokensDetails != nil {
				usage.CachedTokens = response.Usage.PromptTokensDetails.CachedTokens
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		if len(choice.Delta.ToolCalls) > 0 {
			merger.AddToolCalls(choice.Delta.ToolCalls)
		}
		if delta := choice.Delta.Content; delta != "" {
			message += delta
			e.config.PublishEvent(ctx, events.NewPartialEvent(metadata, delta, message))
		}
	}

	metadata.StopReason = stopReason
	if !usage.IsZero() {
		metadata.Usage = &usage
		e.config.PublishEvent(ctx, events.NewUsageEvent(metadata, usage, 0))
	}

	toolCalls := merger.GetToolCalls()
	for _, tc := range toolCalls {
		e.config.PublishEvent(ctx, events.NewToolCallEvent(metadata, events.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: tc.Function.Arguments,
		}))
	}

	appendResponseBlocks(t, message, toolCalls)
	t.Usage.Add(usage)
	t.StopReason = stopReason

	if len(toolCalls) == 0 {
		e.config.PublishEvent(ctx, events.NewFinalEvent(metadata, message))
	}

	log.Debug().
		Int("text_length", len(message)).
		Int("tool_calls", len(toolCalls)).
		Str("stop_reason", stopReason).
		Msg("openai inference complete")
	return t, nil
}

func appendResponseBlocks(t *engine.Turn, message string, toolCalls []go_openai.ToolCall) {
	if message != "" {
		t.AppendBlock(engine.NewAssistantBlock(message))
	}
	for _, tc := range toolCalls {
		t.AppendBlock(engine.NewToolCallBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
}

var _ engine.Engine = (*Engine)(nil)
