package compress

import (
	"math"
	"sort"
	"strings"

	"github.com/tanglechat/tangle/pkg/conversation"
)

// tailRatio is the share of max reserved for the most recent messages,
// which are always kept regardless of score.
const defaultTailRatio = 0.7

// importantKeywords marks content worth keeping over small talk when the
// truncation scorer has to choose.
var importantKeywords = []string{
	"error", "fail", "important", "remember", "decided", "decision",
	"must", "always", "never", "```",
}

type scoredMessage struct {
	index int
	score float64
}

// SmartTruncate reduces msgs to at most max messages without any provider
// call. The newest ceil(tailRatio*max) messages are kept unconditionally;
// older ones are scored by recency, length, role-pair adjacency and
// keyword importance, and the best fill the remaining slots. Original
// order is restored in the result and the single most recent message is
// always present.
func SmartTruncate(msgs []*conversation.Message, max int, tailRatio float64) []*conversation.Message {
	if max <= 0 {
		if len(msgs) == 0 {
			return nil
		}
		return []*conversation.Message{msgs[len(msgs)-1]}
	}
	if len(msgs) <= max {
		return msgs
	}
	if tailRatio <= 0 || tailRatio > 1 {
		tailRatio = defaultTailRatio
	}

	tailLen := int(math.Ceil(tailRatio * float64(max)))
	if tailLen > max {
		tailLen = max
	}
	tailStart := len(msgs) - tailLen

	scored := make([]scoredMessage, 0, tailStart)
	for i := 0; i < tailStart; i++ {
		scored = append(scored, scoredMessage{index: i, score: scoreMessage(msgs, i)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].index > scored[j].index
	})

	keep := make(map[int]bool, max)
	for i := tailStart; i < len(msgs); i++ {
		keep[i] = true
	}
	for _, sm := range scored {
		if len(keep) >= max {
			break
		}
		keep[sm.index] = true
	}

	out := make([]*conversation.Message, 0, len(keep))
	for i, msg := range msgs {
		if keep[i] {
			out = append(out, msg)
		}
	}
	return out
}

func scoreMessage(msgs []*conversation.Message, i int) float64 {
	msg := msgs[i]
	score := float64(i) / float64(len(msgs))

	length := len(msg.Content)
	if length > 2000 {
		length = 2000
	}
	score += float64(length) / 2000

	if i > 0 && pairsWith(msgs[i-1], msg) {
		score += 0.5
	}
	if i+1 < len(msgs) && pairsWith(msg, msgs[i+1]) {
		score += 0.5
	}

	lower := strings.ToLower(msg.Content)
	for _, kw := range importantKeywords {
		if strings.Contains(lower, kw) {
			score += 0.25
		}
	}
	return score
}

func pairsWith(a, b *conversation.Message) bool {
	return (a.Role == conversation.RoleUser && b.Role == conversation.RoleAssistant) ||
		(a.Role == conversation.RoleAssistant && b.Role == conversation.RoleUser)
}
