package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1/messages"
	defaultAPIVersion = "2023-06-01"
)

// MessageParam is one message of an Anthropic Messages API request.
type MessageParam struct {
	Role    string         `json:"role"`
	Content []ContentParam `json:"content"`
}

// ContentParam is one content block of a message: text, tool_use or
// tool_result depending on Type.
type ContentParam struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolParam declares either a client tool (Name plus InputSchema) or a
// server tool such as web search (Type plus Name, no schema).
type ToolParam struct {
	Type        string      `json:"type,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema,omitempty"`
	MaxUses     int         `json:"max_uses,omitempty"`
}

type ThinkingParam struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type MessagesRequest struct {
	Model         string         `json:"model"`
	System        string         `json:"system,omitempty"`
	Messages      []MessageParam `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Tools         []ToolParam    `json:"tools,omitempty"`
	Thinking      *ThinkingParam `json:"thinking,omitempty"`
	Stream        bool           `json:"stream"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type MessageResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`

	// web_search_tool_result blocks carry the hits inline.
	Content []WebSearchResult `json:"content,omitempty"`
}

// WebSearchResult is one hit inside a web_search_tool_result block.
type WebSearchResult struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

type Delta struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamingEvent is one decoded SSE event of a streaming messages call.
type StreamingEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index,omitempty"`
	Message      *MessageResponse `json:"message,omitempty"`
	ContentBlock *ContentBlock    `json:"content_block,omitempty"`
	Delta        *Delta           `json:"delta,omitempty"`
	Usage        *Usage           `json:"usage,omitempty"`
	Error        *APIError        `json:"error,omitempty"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// Client is a minimal Anthropic Messages API client. Only the streaming
// path is implemented; the engine always streams.
type Client struct {
	httpClient *http.Client
	apiKey     string
	apiVersion string
	baseURL    string
}

func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{},
		apiKey:     apiKey,
		apiVersion: defaultAPIVersion,
		baseURL:    baseURL,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// StreamMessages posts a streaming request and emits decoded SSE events on
// the returned channel. The channel closes when the stream ends or the
// context is cancelled.
func (c *Client) StreamMessages(ctx context.Context, req *MessagesRequest) (<-chan StreamingEvent, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil {
			return nil, errors.Errorf("claude API returned status %d", resp.StatusCode)
		}
		return nil, errors.Errorf("claude API error (%s): %s", errResp.Error.Type, errResp.Error.Message)
	}

	events := make(chan StreamingEvent)
	go streamEvents(ctx, resp, events)
	return events, nil
}

func streamEvents(ctx context.Context, resp *http.Response, events chan<- StreamingEvent) {
	defer func() { _ = resp.Body.Close() }()
	defer close(events)

	reader := bufio.NewReader(resp.Body)
	var dataLines [][]byte
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("unexpected error reading claude stream")
			}
			return
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(bytes.TrimSpace(line)) > 0 {
			if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				dataLines = append(dataLines, data)
			}
			continue
		}

		// blank line ends one SSE event
		if len(dataLines) == 0 {
			continue
		}
		var event StreamingEvent
		if err := json.Unmarshal(bytes.Join(dataLines, []byte("\n")), &event); err != nil {
			log.Debug().Err(err).Msg("failed to parse claude SSE event")
			dataLines = dataLines[:0]
			continue
		}
		dataLines = dataLines[:0]

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}
