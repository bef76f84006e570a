package gemini

import (
	"context"
	"encoding/json"
	"io"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/settings"
)

// Engine is the Gemini adapter built on the generative-ai-go SDK.
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
	chat := e.settings.Chat
	if chat.Model == "" {
		return nil, errors.New("no model specified")
	}
	provider, ok := e.settings.Provider(settings.ApiTypeGemini)
	if !ok || provider.APIKey == "" {
		return nil, errors.New("no gemini API key configured")
	}

	opts := []option.ClientOption{option.WithAPIKey(provider.APIKey)}
	if provider.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(provider.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}
	defer func() { _ = client.Close() }()

	model := client.GenerativeModel(chat.Model)
	if chat.Temperature != nil {
		model.SetTemperature(float32(*chat.Temperature))
	}
	if chat.TopP != nil {
		model.SetTopP(float32(*chat.TopP))
	}
	if chat.MaxResponseTokens != nil {
		model.SetMaxOutputTokens(int32(*chat.MaxResponseTokens))
	}
	if len(chat.Stop) > 0 {
		model.StopSequences = chat.Stop
	}

	if t.ToolConfig.Enabled && len(t.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, tool := range t.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  convertSchema(tool.Parameters),
			})
		}
		model.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	system, history, last := splitBlocks(t.Blocks)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	session := model.StartChat()
	session.History = history

	metadata := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: t.SessionID,
		TurnID:    t.ID,
		Provider:  string(settings.ApiTypeGemini),
		Model:     chat.Model,
	}
	e.config.PublishEvent(ctx, events.NewStartEvent(metadata))

	log.Debug().Int("num_blocks", len(t.Blocks)).Str("model", chat.Model).Msg("gemini inference started")
	iter := session.SendMessageStream(ctx, last...)

	message := ""
	stopReason := ""
	var usage conversation.Usage
	type pendingCall struct {
		id, name string
		args     map[string]any
	}
	var pendingCalls []pendingCall

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("gemini streaming cancelled by context")
			e.config.PublishEvent(ctx, events.NewInterruptEvent(metadata, message))
			if message != "" {
				t.AppendBlock(engine.NewAssistantBlock(message))
			}
			return t, ctx.Err()
		default:
		}

		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("gemini stream receive failed")
			e.config.PublishEvent(ctx, events.NewErrorEvent(metadata, err))
			return nil, err
		}

		if resp.UsageMetadata != nil {
			usage = conversation.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				CachedTokens: int(resp.UsageMetadata.CachedContentTokenCount),
			}
		}

		delta := ""
		for _, cand := range resp.Candidates {
			if cand.FinishReason != genai.FinishReasonUnspecified {
				stopReason = cand.FinishReason.String()
			}
			if cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				switch v := p.(type) {
				case genai.Text:
					delta += string(v)
				case genai.FunctionCall:
					args := v.Args
					if args == nil {
						args = map[string]any{}
					}
					// Gemini function calls carry no id; mint one so the
					// result can be matched downstream.
					call := pendingCall{id: uuid.NewString(), name: v.Name, args: args}
					pendingCalls = append(pendingCalls, call)
					inputBytes, _ := json.Marshal(args)
					e.config.PublishEvent(ctx, events.NewToolCallEvent(metadata, events.ToolCall{
						ID:    call.id,
						Name:  call.name,
						Input: string(inputBytes),
					}))
				}
			}
		}
		if delta != "" {
			message += delta
			e.config.PublishEvent(ctx, events.NewPartialEvent(metadata, delta, message))
		}
	}

	metadata.StopReason = stopReason
	if !usage.IsZero() {
		metadata.Usage = &usage
		e.config.PublishEvent(ctx, events.NewUsageEvent(metadata, usage, 0))
	}

	if message != "" {
		t.AppendBlock(engine.NewAssistantBlock(message))
	}
	for _, c := range pendingCalls {
		args, _ := json.Marshal(c.args)
		t.AppendBlock(engine.NewToolCallBlock(c.id, c.name, args))
	}
	t.Usage.Add(usage)
	t.StopReason = stopReason

	if len(pendingCalls) == 0 {
		e.config.PublishEvent(ctx, events.NewFinalEvent(metadata, message))
	}

	log.Debug().
		Int("text_length", len(message)).
		Int("function_calls", len(pendingCalls)).
		Msg("gemini inference complete")
	return t, nil
}

var _ engine.Engine = (*Engine)(nil)
