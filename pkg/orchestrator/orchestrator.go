package orchestrator

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tanglechat/tangle/pkg/compress"
	"github.com/tanglechat/tangle/pkg/contextbuilder"
	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/engine/factory"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/persist"
	"github.com/tanglechat/tangle/pkg/settings"
	"github.com/tanglechat/tangle/pkg/toolloop"
	"github.com/tanglechat/tangle/pkg/tools"
)

// Orchestrator ties the whole turn lifecycle together: request validation,
// branch resolution, context assembly, the tool-calling loop, incremental
// persistence and the outbound event stream.
type Orchestrator struct {
	store     persist.MessageStore
	recorder  *persist.Recorder
	debouncer *persist.Debouncer
	factory   factory.EngineFactory
	settings  *settings.Settings

	registry  tools.Registry
	retrieval contextbuilder.RetrievalService
	memory    contextbuilder.MemoryService

	systemPrompt string
}

type Option func(*Orchestrator)

func WithEngineFactory(f factory.EngineFactory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

func WithToolRegistry(registry tools.Registry) Option {
	return func(o *Orchestrator) { o.registry = registry }
}

func WithRetrieval(service contextbuilder.RetrievalService) Option {
	return func(o *Orchestrator) { o.retrieval = service }
}

func WithMemory(service contextbuilder.MemoryService) Option {
	return func(o *Orchestrator) { o.memory = service }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

func NewOrchestrator(store persist.MessageStore, recorder *persist.Recorder, debouncer *persist.Debouncer, s *settings.Settings, options ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		recorder:  recorder,
		debouncer: debouncer,
		factory:   factory.NewStandardEngineFactory(),
		settings:  s,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// RunTurn executes one chat turn, streaming events into sink as they
// happen. The first frame always carries the session id so the caller can
// react before the first content byte.
func (o *Orchestrator) RunTurn(ctx context.Context, req *TurnRequest, sink events.EventSink) (*TurnResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s := o.settings.WithOverride(req.Provider, req.Model)
	if req.ReasoningEffort != "" {
		s.Chat.ReasoningEffort = req.ReasoningEffort
	}
	if req.EnableSearch {
		s.Chat.EnableSearch = true
	}

	// provider selection fails before anything is persisted
	eng, err := o.factory.CreateEngine(s)
	if err != nil {
		return nil, err
	}

	session, tree, err := o.resolveSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		return nil, err
	}

	parentID, err := o.resolveParent(tree, req.ParentID)
	if err != nil {
		return nil, err
	}

	md := events.EventMetadata{
		SessionID: session.ID,
		Provider:  string(s.Chat.ApiType),
		Model:     s.Chat.Model,
	}
	_ = sink.PublishEvent(events.NewStartEvent(md))

	userMsg, err := o.resolveUserMessage(ctx, req, session.ID, parentID)
	if err != nil {
		return nil, err
	}

	// turn setup: persistence, memory recall and retrieval run concurrently
	var memorySnippets []string
	var retrieved []contextbuilder.RetrievedChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.store.PutMessage(gctx, userMsg)
	})
	if o.memory != nil {
		g.Go(func() error {
			snippets, err := o.memory.Recall(gctx, req.UserID, req.ProjectID)
			if err != nil {
				log.Warn().Err(err).Msg("memory recall failed, continuing without")
				return nil
			}
			memorySnippets = snippets
			return nil
		})
	}
	if o.retrieval != nil {
		g.Go(func() error {
			chunks, err := o.retrieval.Retrieve(gctx, req.Content, req.ProjectID)
			if err != nil {
				log.Warn().Err(err).Msg("retrieval failed, continuing without")
				return nil
			}
			retrieved = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "turn setup")
	}

	if len(retrieved) > 0 {
		chunks := make([]events.RetrievalChunk, 0, len(retrieved))
		for _, c := range retrieved {
			chunks = append(chunks, events.RetrievalChunk{
				ID: c.ID, Content: c.Content, SourceID: c.SourceID, Similarity: c.Similarity,
			})
		}
		_ = sink.PublishEvent(events.NewRetrievalChunksEvent(md, chunks))
	}

	branch, err := o.resolveBranch(tree, userMsg)
	if err != nil {
		return nil, err
	}

	builder := contextbuilder.NewBuilder(
		contextbuilder.WithCompressor(o.newCompressor(s), s.Compression.MaxMessages))
	built := builder.Build(ctx, contextbuilder.Input{
		SystemPrompt:    o.systemPrompt,
		MemorySnippets:  memorySnippets,
		RetrievedChunks: retrieved,
		Branch:          branch,
	})

	placeholder := o.newPlaceholder(req, session.ID, userMsg.ID)
	if err := o.recorder.OnStart(ctx, placeholder); err != nil {
		return nil, err
	}
	md.MessageID = placeholder.ID.String()

	return o.stream(ctx, eng, sink, md, session, built.Messages, userMsg, placeholder, req.EnableTools)
}

// stream drives the tool loop and reconciles persistence afterwards. It is
// shared by RunTurn and Regenerate.
func (o *Orchestrator) stream(
	ctx context.Context,
	eng engine.Engine,
	sink events.EventSink,
	md events.EventMetadata,
	session *conversation.Session,
	prompt []*conversation.Message,
	userMsg *conversation.Message,
	placeholder *conversation.Message,
	enableTools bool,
) (*TurnResult, error) {
	snapshot := persist.Snapshot{}
	// Completions reset at each tool hop; text from finished hops is folded
	// into a committed prefix so an abort mid-hop keeps earlier hops.
	var committedContent, hopContent string
	var committedReasoning, hopReasoning string
	progress := events.NewCallbackSink(func(e events.Event) error {
		switch ev := e.(type) {
		case *events.EventPartial:
			if !strings.HasPrefix(ev.Completion, hopContent) {
				committedContent += hopContent
			}
			hopContent = ev.Completion
			snapshot.Content = committedContent + hopContent
		case *events.EventPartialReasoning:
			if !strings.HasPrefix(ev.Completion, hopReasoning) {
				committedReasoning += hopReasoning
			}
			hopReasoning = ev.Completion
			snapshot.Reasoning = committedReasoning + hopReasoning
		case *events.EventSearchResult:
			snapshot.SearchResults += ev.Delta
		case *events.EventToolCall:
			snapshot.Parts = append(snapshot.Parts, conversation.NewToolCallPart(
				ev.ToolCall.ID, ev.ToolCall.Name, []byte(ev.ToolCall.Input)))
		case *events.EventUsage:
			// one usage event per hop; sum across the turn
			snapshot.Usage.Add(ev.Usage)
			snapshot.Cost += ev.Cost
		default:
			return nil
		}
		o.recorder.OnProgress(ctx, placeholder.ID, snapshot)
		return nil
	})
	ctx = events.WithEventSinks(ctx, events.NewTeeSink(sink, progress))

	turn := engine.NewTurn(session.ID)
	turn.Blocks = engine.BlocksFromMessages(prompt)

	cfg := engine.DefaultToolConfig()
	registry := o.registry
	if !enableTools || registry == nil {
		cfg.Enabled = false
		registry = nil
	}
	loop := toolloop.NewLoop(eng, registry, toolloop.WithToolConfig(cfg))

	updated, err := loop.Run(ctx, turn)
	if updated != nil {
		snapshot.Usage = updated.Usage
		if text := updated.AssistantText(); len(text) > len(snapshot.Content) {
			snapshot.Content = text
		}
		if reasoning := updated.ReasoningText(); len(reasoning) > len(snapshot.Reasoning) {
			snapshot.Reasoning = reasoning
		}
	}

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// aborted: partial content stays, status stays non-completed
		if abortErr := o.recorder.OnAbort(context.WithoutCancel(ctx), placeholder.ID); abortErr != nil {
			log.Warn().Err(abortErr).Msg("abort persistence failed")
		}
		o.touchSession(context.WithoutCancel(ctx), session, placeholder, userMsg, true)
		return &TurnResult{
			SessionID: session.ID,
			MessageID: placeholder.ID,
			Turn:      updated,
		}, err

	case err != nil:
		_ = sink.PublishEvent(events.NewErrorEvent(md, err))
		if recErr := o.recorder.OnError(ctx, placeholder.ID, err); recErr != nil {
			log.Warn().Err(recErr).Msg("error persistence failed")
		}
		o.touchSession(ctx, session, placeholder, userMsg, true)
		return nil, err
	}

	// completion write failures are surfaced; the streamed content the
	// caller already received is not retracted
	if err := o.recorder.OnComplete(ctx, placeholder.ID, snapshot); err != nil {
		return nil, err
	}

	empty := snapshot.Content == "" && snapshot.Reasoning == "" && len(snapshot.Parts) == 0
	final, getErr := o.finalMessage(ctx, placeholder.ID, empty)
	if getErr != nil {
		log.Warn().Err(getErr).Msg("completed message read-back failed")
	}
	o.updateTitle(session, userMsg, sink, md)
	if empty {
		o.touchSession(ctx, session, userMsg, userMsg, false)
	} else {
		o.touchSession(ctx, session, final, userMsg, false)
	}
	o.debouncer.Flush(session.ID)

	return &TurnResult{
		SessionID: session.ID,
		MessageID: placeholder.ID,
		Message:   final,
		Turn:      updated,
	}, nil
}

func (o *Orchestrator) finalMessage(ctx context.Context, id conversation.MessageID, empty bool) (*conversation.Message, error) {
	if empty {
		return nil, nil
	}
	return o.store.GetMessage(ctx, id)
}

func (o *Orchestrator) newCompressor(s *settings.Settings) *compress.Compressor {
	summarySettings := s.WithOverride("", s.Compression.SummaryModel)
	// summaries want low-variance sampling regardless of the chat settings
	temperature := 0.3
	maxTokens := 1024
	summarySettings.Chat.Temperature = &temperature
	summarySettings.Chat.MaxResponseTokens = &maxTokens
	summaryEngine, err := o.factory.CreateEngine(summarySettings)
	if err != nil {
		// compression falls back to deterministic truncation on its own
		summaryEngine = nil
	}
	return compress.NewCompressor(summaryEngine,
		compress.WithTailRatio(s.Compression.TailRatio))
}

func (o *Orchestrator) resolveSession(ctx context.Context, sessionID, userID string) (*conversation.Session, *conversation.Tree, error) {
	if sessionID == "" {
		session := conversation.NewSession(userID)
		if err := o.store.PutSession(ctx, session); err != nil {
			return nil, nil, errors.Wrap(err, "create session")
		}
		tree, _ := conversation.NewTree()
		return session, tree, nil
	}
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Cause(err) == persist.ErrSessionNotFound {
			return nil, nil, errors.Wrapf(ErrValidation, "unknown session %s", sessionID)
		}
		return nil, nil, err
	}
	tree, err := persist.LoadTree(ctx, o.store, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, tree, nil
}

func (o *Orchestrator) resolveParent(tree *conversation.Tree, explicit conversation.MessageID) (conversation.MessageID, error) {
	if !explicit.IsNil() {
		if _, ok := tree.Get(explicit); !ok {
			return conversation.NilMessage, errors.Wrapf(ErrValidation, "unknown parent %s", explicit)
		}
		return explicit, nil
	}
	if tree.Len() == 0 {
		return conversation.NilMessage, nil
	}
	leafID, err := tree.LatestLeaf()
	if err != nil {
		return conversation.NilMessage, err
	}
	return leafID, nil
}

// resolveUserMessage returns the stored message for a re-submitted trace
// id, or builds a fresh one.
func (o *Orchestrator) resolveUserMessage(ctx context.Context, req *TurnRequest, sessionID string, parentID conversation.MessageID) (*conversation.Message, error) {
	if req.TraceID != "" {
		existing, err := o.store.FindByTraceID(ctx, sessionID, req.TraceID)
		if err == nil {
			return existing, nil
		}
		if errors.Cause(err) != persist.ErrMessageNotFound {
			return nil, err
		}
	}
	options := []conversation.MessageOption{
		conversation.WithSessionID(sessionID),
		conversation.WithParentID(parentID),
		conversation.WithTraceID(req.TraceID),
	}
	if len(req.Attachments) > 0 {
		options = append(options, conversation.WithParts(req.Attachments...))
	}
	return conversation.NewMessage(conversation.RoleUser, req.Content, options...), nil
}

func (o *Orchestrator) resolveBranch(tree *conversation.Tree, userMsg *conversation.Message) ([]*conversation.Message, error) {
	if _, ok := tree.Get(userMsg.ID); !ok {
		if err := tree.Add(userMsg); err != nil {
			return nil, err
		}
	}
	return tree.Branch(userMsg.ID)
}

func (o *Orchestrator) newPlaceholder(req *TurnRequest, sessionID string, parentID conversation.MessageID) *conversation.Message {
	options := []conversation.MessageOption{
		conversation.WithSessionID(sessionID),
		conversation.WithParentID(parentID),
		conversation.WithStatus(conversation.StatusStreaming),
	}
	if !req.ResponseID.IsNil() {
		options = append(options, conversation.WithID(req.ResponseID))
	}
	return conversation.NewMessage(conversation.RoleAssistant, "", options...)
}

// touchSession updates the denormalized session fields and routes the
// write through the debouncer.
func (o *Orchestrator) touchSession(ctx context.Context, session *conversation.Session, tip, userMsg *conversation.Message, interrupted bool) {
	if tip == nil {
		tip = userMsg
	}
	session.CurrentLeafID = tip.ID
	session.TouchPreview(tip)
	session.MessageCount = o.countMessages(ctx, session.ID)
	o.debouncer.Schedule(session.ID, session)
	if interrupted {
		o.debouncer.Flush(session.ID)
	}
}

func (o *Orchestrator) countMessages(ctx context.Context, sessionID string) int {
	msgs, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return 0
	}
	return len(msgs)
}

func (o *Orchestrator) updateTitle(session *conversation.Session, userMsg *conversation.Message, sink events.EventSink, md events.EventMetadata) {
	if session.Title != "" {
		return
	}
	title := userMsg.Content
	if len(title) > 60 {
		title = title[:60]
	}
	if title == "" {
		return
	}
	session.Title = title
	_ = sink.PublishEvent(events.NewTitleChangedEvent(md, title))
}

// SessionWriter returns the debouncer write callback bound to this
// orchestrator's store, for wiring at construction time.
func SessionWriter(store persist.MessageStore) func(key string, payload interface{}) {
	return func(key string, payload interface{}) {
		session, ok := payload.(*conversation.Session)
		if !ok {
			return
		}
		if err := store.PutSession(context.Background(), session); err != nil {
			log.Warn().Err(err).Str("session_id", key).Msg("debounced session write failed")
		}
	}
}
