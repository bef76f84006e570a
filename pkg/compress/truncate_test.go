package compress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/conversation"
)

func alternating(n int) []*conversation.Message {
	msgs := make([]*conversation.Message, 0, n)
	for i := 0; i < n; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		msgs = append(msgs, conversation.NewMessage(role, fmt.Sprintf("m%d", i)))
	}
	return msgs
}

func TestSmartTruncate_WithinMaxUnchanged(t *testing.T) {
	msgs := alternating(3)
	out := SmartTruncate(msgs, 5, 0.7)
	assert.Equal(t, msgs, out)
}

func TestSmartTruncate_BoundAndMostRecentAlwaysKept(t *testing.T) {
	for _, n := range []int{5, 9, 20, 50} {
		msgs := alternating(n)
		out := SmartTruncate(msgs, 4, 0.7)
		assert.LessOrEqual(t, len(out), 4)
		require.NotEmpty(t, out)
		assert.Equal(t, fmt.Sprintf("m%d", n-1), out[len(out)-1].Content)
	}
}

func TestSmartTruncate_PreservesOriginalOrder(t *testing.T) {
	msgs := alternating(20)
	out := SmartTruncate(msgs, 6, 0.7)

	last := -1
	for _, msg := range out {
		var idx int
		_, err := fmt.Sscanf(msg.Content, "m%d", &idx)
		require.NoError(t, err)
		assert.Greater(t, idx, last)
		last = idx
	}
}

func TestSmartTruncate_KeywordContentOutscoresSmallTalk(t *testing.T) {
	msgs := alternating(20)
	// an old but important message
	msgs[2] = conversation.NewMessage(conversation.RoleUser,
		"important: we decided the deadline must never slip")

	out := SmartTruncate(msgs, 5, 0.7)

	var containsImportant bool
	for _, msg := range out {
		if msg.Content == msgs[2].Content {
			containsImportant = true
		}
	}
	assert.True(t, containsImportant)
}

func TestSmartTruncate_DeterministicAcrossCalls(t *testing.T) {
	msgs := alternating(30)
	first := SmartTruncate(msgs, 7, 0.7)
	second := SmartTruncate(msgs, 7, 0.7)
	assert.Equal(t, first, second)
}
