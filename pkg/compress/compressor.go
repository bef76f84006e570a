package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/engine"
)

const freshSummaryPrompt = `Summarize the following conversation concisely. Preserve key facts,
decisions, names and unresolved questions. Write a compact prose summary,
not a transcript.`

const mergeSummaryPrompt = `Below is an existing summary of the older part of a conversation,
followed by newer messages. Produce one merged summary covering both.
Preserve key facts, decisions, names and unresolved questions. Write a
compact prose summary, not a transcript.`

// Compressor folds the older portion of an oversized branch into a single
// rolling summary message via one provider call. Any failure falls back
// to SmartTruncate; compression never surfaces an error to the turn.
type Compressor struct {
	engine engine.Engine
	// transcriptLimit caps how many characters of older conversation are
	// fed to the summarizer; oldest content is dropped first.
	transcriptLimit int
	tailRatio       float64
}

type Option func(*Compressor)

func WithTranscriptLimit(chars int) Option {
	return func(c *Compressor) {
		if chars > 0 {
			c.transcriptLimit = chars
		}
	}
}

func WithTailRatio(ratio float64) Option {
	return func(c *Compressor) {
		c.tailRatio = ratio
	}
}

func NewCompressor(eng engine.Engine, options ...Option) *Compressor {
	c := &Compressor{
		engine:          eng,
		transcriptLimit: 64 * 1024,
		tailRatio:       defaultTailRatio,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Compress bounds a branch to the configured shape: plain system messages,
// at most one summary message, and the most recent max conversation
// messages verbatim. Branches already within max are returned unchanged.
func (c *Compressor) Compress(ctx context.Context, msgs []*conversation.Message, max int) []*conversation.Message {
	system, prior, convo := partition(msgs)
	if len(convo) <= max {
		return msgs
	}

	recent := convo[len(convo)-max:]
	older := convo[:len(convo)-max]

	summary, err := c.summarize(ctx, prior, older)
	if err != nil {
		log.Warn().Err(err).Int("dropped", len(older)).
			Msg("summarization failed, falling back to truncation")
		out := append([]*conversation.Message{}, system...)
		if prior != nil {
			out = append(out, prior)
		}
		return append(out, SmartTruncate(convo, max, c.tailRatio)...)
	}

	out := append([]*conversation.Message{}, system...)
	out = append(out, conversation.NewSummaryMessage(summary))
	return append(out, recent...)
}

// partition splits a branch into plain system messages, the previous
// summary if any, and conversation messages. Multiple summaries should
// not occur; if they do, the last one wins and earlier ones are dropped.
func partition(msgs []*conversation.Message) (system []*conversation.Message, prior *conversation.Message, convo []*conversation.Message) {
	for _, msg := range msgs {
		switch {
		case msg.IsSummary():
			prior = msg
		case msg.Role == conversation.RoleSystem:
			system = append(system, msg)
		default:
			convo = append(convo, msg)
		}
	}
	return system, prior, convo
}

func (c *Compressor) summarize(ctx context.Context, prior *conversation.Message, older []*conversation.Message) (string, error) {
	if c.engine == nil {
		return "", errors.New("no summary engine configured")
	}

	var sb strings.Builder
	prompt := freshSummaryPrompt
	if prior != nil {
		prompt = mergeSummaryPrompt
		sb.WriteString("Existing summary:\n")
		sb.WriteString(prior.SummaryText())
		sb.WriteString("\n\nNewer messages:\n")
	}
	for _, msg := range older {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	transcript := sb.String()
	if len(transcript) > c.transcriptLimit {
		transcript = transcript[len(transcript)-c.transcriptLimit:]
	}

	t := engine.NewTurn("")
	t.AppendBlock(
		engine.NewSystemBlock(prompt),
		engine.NewUserBlock(transcript),
	)

	result, err := c.engine.RunInference(ctx, t)
	if err != nil {
		return "", errors.Wrap(err, "summary inference")
	}
	summary := strings.TrimSpace(result.AssistantText())
	if summary == "" {
		return "", errors.New("summarizer returned empty output")
	}
	return summary, nil
}
