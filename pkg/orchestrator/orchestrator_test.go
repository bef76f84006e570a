package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/persist"
	"github.com/tanglechat/tangle/pkg/settings"
	"github.com/tanglechat/tangle/pkg/tools"
)

// scriptedEngine emits its deltas as partial events and appends the
// concatenation as the assistant block. With blockUntilCancel set it
// hangs after the deltas until the context is cancelled, returning the
// partial content with the context error like a real adapter.
type scriptedEngine struct {
	deltas           []string
	searchLines      []string
	err              error
	blockUntilCancel bool
}

func (e *scriptedEngine) RunInference(ctx context.Context, t *engine.Turn) (*engine.Turn, error) {
	if e.err != nil {
		return nil, e.err
	}
	for _, line := range e.searchLines {
		events.PublishEventToContext(ctx, events.NewSearchResultEvent(events.EventMetadata{}, line))
	}
	completion := ""
	for _, delta := range e.deltas {
		completion += delta
		events.PublishEventToContext(ctx, events.NewPartialEvent(events.EventMetadata{}, delta, completion))
	}
	t.AppendBlock(engine.NewAssistantBlock(completion))
	t.Usage.Add(conversation.Usage{InputTokens: 7, OutputTokens: 3})
	if e.blockUntilCancel {
		<-ctx.Done()
		return t, ctx.Err()
	}
	events.PublishEventToContext(ctx, events.NewUsageEvent(events.EventMetadata{},
		conversation.Usage{InputTokens: 7, OutputTokens: 3}, 0))
	return t, nil
}

// hoppingEngine answers its first call with a tool request and its second
// with a fresh completion stream that hangs until cancelled, mimicking an
// abort in the middle of a multi-hop turn.
type hoppingEngine struct {
	cancel context.CancelFunc
	hops   int
}

func (e *hoppingEngine) RunInference(ctx context.Context, t *engine.Turn) (*engine.Turn, error) {
	e.hops++
	if e.hops == 1 {
		events.PublishEventToContext(ctx,
			events.NewPartialEvent(events.EventMetadata{}, "looking that up. ", "looking that up. "))
		t.AppendBlock(engine.NewAssistantBlock("looking that up. "))
		t.AppendBlock(engine.NewToolCallBlock("call-1", "noop", []byte(`{}`)))
		return t, nil
	}
	events.PublishEventToContext(ctx,
		events.NewPartialEvent(events.EventMetadata{}, "found", "found"))
	e.cancel()
	<-ctx.Done()
	t.AppendBlock(engine.NewAssistantBlock("found"))
	return t, ctx.Err()
}

type stubFactory struct {
	engine engine.Engine
	err    error
}

func (f *stubFactory) CreateEngine(_ *settings.Settings, _ ...engine.Option) (engine.Engine, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.engine, nil
}

func (f *stubFactory) SupportedProviders() []settings.ApiType {
	return []settings.ApiType{settings.ApiTypeOpenAI}
}

type collectSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *collectSink) PublishEvent(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *collectSink) types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type())
	}
	return out
}

func testSettings() *settings.Settings {
	s := settings.NewSettings()
	s.Chat.Model = "test-model"
	s.Providers[settings.ApiTypeOpenAI] = settings.ProviderSettings{APIKey: "k"}
	return s
}

func newTestOrchestrator(t *testing.T, eng engine.Engine) (*Orchestrator, *persist.MemoryStore) {
	t.Helper()
	store := persist.NewMemoryStore()
	cache := persist.NewStreamCache(persist.WithCacheTTL(time.Minute))
	t.Cleanup(cache.Close)
	recorder := persist.NewRecorder(store, cache, persist.WithDurableEvery(1))
	debouncer := persist.NewDebouncer(10*time.Millisecond, SessionWriter(store))
	t.Cleanup(debouncer.Close)

	o := NewOrchestrator(store, recorder, debouncer, testSettings(),
		WithEngineFactory(&stubFactory{engine: eng}))
	return o, store
}

func TestRunTurn_RejectsEmptyRequestBeforePersistence(t *testing.T) {
	o, store := newTestOrchestrator(t, &scriptedEngine{})

	_, err := o.RunTurn(context.Background(), &TurnRequest{}, &collectSink{})
	assert.ErrorIs(t, errors.Cause(err), ErrValidation)

	sessions, err := store.ListSessions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRunTurn_ProviderSelectionFailsBeforePersistence(t *testing.T) {
	o, store := newTestOrchestrator(t, &scriptedEngine{})
	o.factory = &stubFactory{err: errors.New("no credentials")}

	_, err := o.RunTurn(context.Background(), &TurnRequest{Content: "hi"}, &collectSink{})
	require.Error(t, err)

	sessions, listErr := store.ListSessions(context.Background(), "")
	require.NoError(t, listErr)
	assert.Empty(t, sessions)
}

func TestRunTurn_HappyPath(t *testing.T) {
	eng := &scriptedEngine{deltas: []string{"Hel", "lo ", "there"}}
	o, store := newTestOrchestrator(t, eng)
	sink := &collectSink{}

	result, err := o.RunTurn(context.Background(), &TurnRequest{Content: "greet me"}, sink)
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "Hello there", result.Message.Content)
	assert.Equal(t, conversation.StatusCompleted, result.Message.Status)

	// session id reaches the caller as the very first frame
	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeStart, types[0])

	session, err := store.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, result.MessageID, session.CurrentLeafID)
	assert.Equal(t, "greet me", session.Title)
	assert.Equal(t, 2, session.MessageCount)

	msgs, err := store.ListMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.True(t, msgs[1].ParentID == msgs[0].ID)
}

func TestRunTurn_AbortKeepsPartialContent(t *testing.T) {
	eng := &scriptedEngine{deltas: []string{"one ", "two ", "three"}, blockUntilCancel: true}
	o, store := newTestOrchestrator(t, eng)
	sink := &collectSink{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := o.RunTurn(ctx, &TurnRequest{Content: "count"}, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	// exactly the three streamed deltas survive, status is not completed
	msg, getErr := store.GetMessage(context.Background(), result.MessageID)
	require.NoError(t, getErr)
	assert.Equal(t, "one two three", msg.Content)
	assert.NotEqual(t, conversation.StatusCompleted, msg.Status)
}

func TestRunTurn_UsageSurvivesPersistence(t *testing.T) {
	eng := &scriptedEngine{deltas: []string{"counted"}}
	o, store := newTestOrchestrator(t, eng)

	result, err := o.RunTurn(context.Background(), &TurnRequest{Content: "hi"}, &collectSink{})
	require.NoError(t, err)

	msg, err := store.GetMessage(context.Background(), result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, 7, msg.Usage.InputTokens)
	assert.Equal(t, 3, msg.Usage.OutputTokens)
}

func TestRunTurn_AbortKeepsTextFromEarlierHops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &hoppingEngine{cancel: cancel}
	o, store := newTestOrchestrator(t, eng)

	registry := tools.NewInMemoryRegistry()
	noop, err := tools.NewToolFromFunc("noop", "does nothing",
		func(struct{}) (string, error) { return "ok", nil })
	require.NoError(t, err)
	require.NoError(t, registry.Register(noop))
	o.registry = registry

	result, err := o.RunTurn(ctx, &TurnRequest{Content: "look it up", EnableTools: true}, &collectSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	// text streamed before the tool hop is not lost to the second hop's
	// completion reset
	msg, getErr := store.GetMessage(context.Background(), result.MessageID)
	require.NoError(t, getErr)
	assert.Equal(t, "looking that up. found", msg.Content)
}

func TestRunTurn_SearchResultsPersistAsPart(t *testing.T) {
	eng := &scriptedEngine{
		deltas:      []string{"sourced answer"},
		searchLines: []string{"[Go FAQ](https://go.dev/doc/faq)\n"},
	}
	o, store := newTestOrchestrator(t, eng)

	result, err := o.RunTurn(context.Background(),
		&TurnRequest{Content: "search something", EnableSearch: true}, &collectSink{})
	require.NoError(t, err)

	msg, err := store.GetMessage(context.Background(), result.MessageID)
	require.NoError(t, err)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, conversation.PartKindSearch, msg.Parts[0].Kind)
	assert.Contains(t, msg.Parts[0].Text, "go.dev/doc/faq")
}

func TestRunTurn_UpstreamErrorMarksMessage(t *testing.T) {
	eng := &scriptedEngine{err: errors.New("upstream 500")}
	o, store := newTestOrchestrator(t, eng)
	sink := &collectSink{}

	_, err := o.RunTurn(context.Background(), &TurnRequest{Content: "hi"}, sink)
	require.Error(t, err)

	var sawError bool
	for _, typ := range sink.types() {
		if typ == events.EventTypeError {
			sawError = true
		}
	}
	assert.True(t, sawError)

	sessions, err := store.ListSessions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	msgs, err := store.ListMessages(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.StatusError, msgs[1].Status)
}

func TestRunTurn_TraceIDDeduplicates(t *testing.T) {
	eng := &scriptedEngine{deltas: []string{"ok"}}
	o, store := newTestOrchestrator(t, eng)

	first, err := o.RunTurn(context.Background(),
		&TurnRequest{Content: "once", TraceID: "trace-9"}, &collectSink{})
	require.NoError(t, err)

	_, err = o.RunTurn(context.Background(),
		&TurnRequest{SessionID: first.SessionID, Content: "once", TraceID: "trace-9"}, &collectSink{})
	require.NoError(t, err)

	msgs, err := store.ListMessages(context.Background(), first.SessionID)
	require.NoError(t, err)
	var userCount int
	for _, msg := range msgs {
		if msg.Role == conversation.RoleUser {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount)
}

func TestRunTurn_HonorsPreallocatedResponseID(t *testing.T) {
	eng := &scriptedEngine{deltas: []string{"ok"}}
	o, _ := newTestOrchestrator(t, eng)

	responseID := conversation.NewMessageID()
	result, err := o.RunTurn(context.Background(),
		&TurnRequest{Content: "hi", ResponseID: responseID}, &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, responseID, result.MessageID)
}

func TestRunTurn_EmptyResultDeletesPlaceholder(t *testing.T) {
	eng := &scriptedEngine{deltas: nil}
	o, store := newTestOrchestrator(t, eng)

	result, err := o.RunTurn(context.Background(), &TurnRequest{Content: "hi"}, &collectSink{})
	require.NoError(t, err)
	assert.Nil(t, result.Message)

	_, err = store.GetMessage(context.Background(), result.MessageID)
	assert.ErrorIs(t, errors.Cause(err), persist.ErrMessageNotFound)

	// the session tip falls back to the user message
	session, err := store.GetSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	msgs, err := store.ListMessages(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgs[0].ID, session.CurrentLeafID)
}

func TestRunTurn_UnknownSessionRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedEngine{})

	_, err := o.RunTurn(context.Background(),
		&TurnRequest{SessionID: "nope", Content: "hi"}, &collectSink{})
	assert.ErrorIs(t, errors.Cause(err), ErrValidation)
}
