package claude

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/engine"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/settings"
)

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

func (s *collectSink) byType(typ events.EventType) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func claudeSettings(baseURL string) *settings.Settings {
	s := settings.NewSettings()
	s.Chat.ApiType = settings.ApiTypeClaude
	s.Chat.Model = "claude-sonnet-4-5"
	s.Providers[settings.ApiTypeClaude] = settings.ProviderSettings{APIKey: "k", BaseURL: baseURL}
	return s
}

func TestRunInference_PublishesUsage(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`,
		`{"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
	})

	sink := &collectSink{}
	eng, err := NewEngine(claudeSettings(server.URL), engine.WithSink(sink))
	require.NoError(t, err)

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(engine.NewUserBlock("hi"))

	updated, err := eng.RunInference(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "hello", updated.AssistantText())
	assert.Equal(t, 12, updated.Usage.InputTokens)
	assert.Equal(t, 4, updated.Usage.OutputTokens)

	published := sink.byType(events.EventTypeUsage)
	require.Len(t, published, 1)
	usage := published[0].(*events.EventUsage)
	assert.Equal(t, 12, usage.Usage.InputTokens)
	assert.Equal(t, 4, usage.Usage.OutputTokens)
}

func TestRunInference_EmitsSearchResults(t *testing.T) {
	server := sseServer(t, []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"web_search_tool_result","content":[{"type":"web_search_result","url":"https://go.dev/ref/spec","title":"Go spec"},{"type":"web_search_result","url":"https://go.dev/doc/faq","title":"Go FAQ"}]}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"per the spec"}}`,
		`{"type":"message_delta","delta":{"type":"message_delta","stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
	})

	sink := &collectSink{}
	eng, err := NewEngine(claudeSettings(server.URL), engine.WithSink(sink))
	require.NoError(t, err)

	turn := engine.NewTurn("session-1")
	turn.AppendBlock(engine.NewUserBlock("what does the spec say?"))

	updated, err := eng.RunInference(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "per the spec", updated.AssistantText())

	hits := sink.byType(events.EventTypeSearchResult)
	require.Len(t, hits, 2)
	assert.Contains(t, hits[0].(*events.EventSearchResult).Delta, "go.dev/ref/spec")
	assert.Contains(t, hits[1].(*events.EventSearchResult).Delta, "Go FAQ")
}
