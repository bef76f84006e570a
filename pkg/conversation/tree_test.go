package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeThread(t *testing.T, texts ...string) (*Tree, []*Message) {
	t.Helper()
	tree, err := NewTree()
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	var msgs []*Message
	parent := NilMessage
	for i, text := range texts {
		role := RoleUser
		if i == 0 {
			role = RoleSystem
		} else if i%2 == 0 {
			role = RoleAssistant
		}
		msg := NewMessage(role, text,
			WithParentID(parent),
			WithCreatedAt(base.Add(time.Duration(i)*time.Minute)),
		)
		require.NoError(t, tree.Add(msg))
		msgs = append(msgs, msg)
		parent = msg.ID
	}
	return tree, msgs
}

func TestBranchRootToLeaf(t *testing.T) {
	tree, msgs := makeThread(t, "system", "hi", "hello", "how are you", "fine")

	branch, err := tree.Branch(msgs[4].ID)
	require.NoError(t, err)
	require.Len(t, branch, 5)

	assert.True(t, branch[0].ParentID.IsNil())
	for i := 1; i < len(branch); i++ {
		assert.Equal(t, branch[i-1].ID, branch[i].ParentID)
	}
	assert.Equal(t, msgs[4].ID, branch[len(branch)-1].ID)
}

func TestBranchNotFound(t *testing.T) {
	tree, _ := makeThread(t, "system", "hi")
	_, err := tree.Branch(NewMessageID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddRejectsUnknownParent(t *testing.T) {
	tree, err := NewTree()
	require.NoError(t, err)

	orphan := NewMessage(RoleUser, "hi", WithParentID(NewMessageID()))
	assert.ErrorIs(t, tree.Add(orphan), ErrInvalidParent)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	tree, msgs := makeThread(t, "system")
	dup := NewMessage(RoleUser, "again", WithID(msgs[0].ID))
	assert.ErrorIs(t, tree.Add(dup), ErrDuplicateID)
}

func TestLatestLeafPrefersNewerTimestamp(t *testing.T) {
	tree, msgs := makeThread(t, "system", "hi", "hello")

	later := NewMessage(RoleUser, "hi there",
		WithParentID(msgs[0].ID),
		WithCreatedAt(time.Now()),
	)
	require.NoError(t, tree.Add(later))

	leafID, err := tree.LatestLeaf()
	require.NoError(t, err)
	assert.Equal(t, later.ID, leafID)
	assert.Empty(t, tree.Children(leafID))
}

func TestLatestLeafTieBreakIsDeterministic(t *testing.T) {
	ts := time.Now()
	tree, msgs := makeThread(t, "system")

	a := NewMessage(RoleUser, "a", WithParentID(msgs[0].ID), WithCreatedAt(ts))
	b := NewMessage(RoleUser, "b", WithParentID(msgs[0].ID), WithCreatedAt(ts))
	require.NoError(t, tree.Add(a))
	require.NoError(t, tree.Add(b))

	want := a.ID
	if b.ID.String() > a.ID.String() {
		want = b.ID
	}
	for i := 0; i < 10; i++ {
		leafID, err := tree.LatestLeaf()
		require.NoError(t, err)
		assert.Equal(t, want, leafID)
	}
}

func TestLatestLeafEmptyTree(t *testing.T) {
	tree, err := NewTree()
	require.NoError(t, err)
	_, err = tree.LatestLeaf()
	assert.ErrorIs(t, err, ErrEmptyTree)
}

func TestUpdateDoesNotChangeParentage(t *testing.T) {
	tree, msgs := makeThread(t, "system", "hi")

	content := "patched"
	status := StatusCompleted
	updated, err := tree.Update(msgs[1].ID, Patch{Content: &content, Status: &status})
	require.NoError(t, err)

	assert.Equal(t, "patched", updated.Content)
	assert.Equal(t, msgs[0].ID, updated.ParentID)

	// the previously held pointer is unchanged
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestUpdateUnknownID(t *testing.T) {
	tree, _ := makeThread(t, "system")
	_, err := tree.Update(NewMessageID(), Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageAddAccumulates(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Add(Usage{InputTokens: 7, OutputTokens: 3, CachedTokens: 2})
	assert.Equal(t, Usage{InputTokens: 17, OutputTokens: 8, CachedTokens: 2}, u)
}

func TestSummaryMessage(t *testing.T) {
	msg := NewSummaryMessage("earlier the user asked about Go")
	assert.True(t, msg.IsSummary())
	assert.Equal(t, RoleSystem, msg.Role)
	assert.Equal(t, "earlier the user asked about Go", msg.SummaryText())

	plain := NewMessage(RoleSystem, "be helpful")
	assert.False(t, plain.IsSummary())
}
