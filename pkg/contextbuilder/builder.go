package contextbuilder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"

	"github.com/tanglechat/tangle/pkg/compress"
	"github.com/tanglechat/tangle/pkg/conversation"
)

// RetrievalService returns project documents ranked against a query.
// Implemented outside this module.
type RetrievalService interface {
	Retrieve(ctx context.Context, query, projectID string) ([]RetrievedChunk, error)
}

type RetrievedChunk struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	SourceID   string  `json:"source_id"`
	Similarity float64 `json:"similarity"`
}

// MemoryService recalls long-term memory snippets for a user. Implemented
// outside this module.
type MemoryService interface {
	Recall(ctx context.Context, userID, projectID string) ([]string, error)
}

// Builder assembles the bounded prompt for a turn: system instructions,
// memory snippets, retrieval snippets, the compressed branch, and the
// current user message with its attachments, in that order.
type Builder struct {
	compressor  *compress.Compressor
	maxMessages int
	encoder     *tiktoken.Tiktoken
}

type Option func(*Builder)

func WithCompressor(c *compress.Compressor, maxMessages int) Option {
	return func(b *Builder) {
		b.compressor = c
		b.maxMessages = maxMessages
	}
}

func NewBuilder(options ...Option) *Builder {
	b := &Builder{maxMessages: 40}
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken init failed, token estimates disabled")
	} else {
		b.encoder = encoder
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Input carries everything one turn contributes to the prompt beyond the
// stored branch.
type Input struct {
	SystemPrompt    string
	MemorySnippets  []string
	RetrievedChunks []RetrievedChunk
	Branch          []*conversation.Message
	UserMessage     *conversation.Message
}

// Result is the assembled prompt plus bookkeeping for logging and budget
// decisions.
type Result struct {
	Messages        []*conversation.Message
	EstimatedTokens int
}

func (b *Builder) Build(ctx context.Context, in Input) Result {
	var msgs []*conversation.Message

	if in.SystemPrompt != "" {
		msgs = append(msgs, conversation.NewMessage(conversation.RoleSystem, in.SystemPrompt))
	}
	if len(in.MemorySnippets) > 0 {
		msgs = append(msgs, conversation.NewMessage(conversation.RoleSystem,
			"Relevant things you remember about this user:\n- "+strings.Join(in.MemorySnippets, "\n- ")))
	}
	if len(in.RetrievedChunks) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant project documents:\n")
		for _, chunk := range in.RetrievedChunks {
			fmt.Fprintf(&sb, "[%s] %s\n", chunk.SourceID, chunk.Content)
		}
		msgs = append(msgs, conversation.NewMessage(conversation.RoleSystem, sb.String()))
	}

	branch := in.Branch
	if b.compressor != nil {
		branch = b.compressor.Compress(ctx, branch, b.maxMessages)
	}
	msgs = append(msgs, branch...)

	if in.UserMessage != nil {
		msgs = append(msgs, in.UserMessage)
	}

	result := Result{Messages: msgs, EstimatedTokens: b.estimateTokens(msgs)}
	log.Debug().Int("messages", len(msgs)).Int("estimated_tokens", result.EstimatedTokens).
		Msg("context assembled")
	return result
}

// estimateTokens is a logging/budget estimate, not an exact provider
// count; image parts are counted at a flat rate.
func (b *Builder) estimateTokens(msgs []*conversation.Message) int {
	if b.encoder == nil {
		return 0
	}
	const perMessageOverhead = 4
	const perImageEstimate = 850

	total := 0
	for _, msg := range msgs {
		total += perMessageOverhead
		total += len(b.encoder.Encode(msg.Content, nil, nil))
		for _, part := range msg.Parts {
			if part.Kind == conversation.PartKindImage {
				total += perImageEstimate
			}
		}
	}
	return total
}
