package persist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglechat/tangle/pkg/conversation"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storeImplementations(t *testing.T) map[string]MessageStore {
	return map[string]MessageStore{
		"sqlite": newTestSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestStore_MessageRoundTrip(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := conversation.NewSession("owner-1")
			require.NoError(t, store.PutSession(ctx, session))

			root := conversation.NewMessage(conversation.RoleUser, "hello",
				conversation.WithSessionID(session.ID),
				conversation.WithTraceID("trace-1"),
				conversation.WithParts(conversation.NewToolCallPart("c1", "lookup", json.RawMessage(`{"q":"x"}`))),
			)
			require.NoError(t, store.PutMessage(ctx, root))

			got, err := store.GetMessage(ctx, root.ID)
			require.NoError(t, err)
			assert.Equal(t, root.ID, got.ID)
			assert.True(t, got.ParentID.IsNil())
			assert.Equal(t, "hello", got.Content)
			require.Len(t, got.Parts, 1)
			assert.Equal(t, "lookup", got.Parts[0].ToolCall.Name)

			child := conversation.NewMessage(conversation.RoleAssistant, "hi",
				conversation.WithSessionID(session.ID),
				conversation.WithParentID(root.ID),
			)
			require.NoError(t, store.PutMessage(ctx, child))

			msgs, err := store.ListMessages(ctx, session.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, root.ID, msgs[0].ID)
			assert.Equal(t, root.ID, msgs[1].ParentID)
		})
	}
}

func TestStore_PutMessageUpsertsContent(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := conversation.NewSession("")
			require.NoError(t, store.PutSession(ctx, session))

			msg := conversation.NewMessage(conversation.RoleAssistant, "",
				conversation.WithSessionID(session.ID),
				conversation.WithStatus(conversation.StatusStreaming))
			require.NoError(t, store.PutMessage(ctx, msg))

			msg.Content = "partial text"
			msg.Status = conversation.StatusCompleted
			msg.Usage = conversation.Usage{InputTokens: 12, OutputTokens: 34}
			require.NoError(t, store.PutMessage(ctx, msg))

			got, err := store.GetMessage(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, "partial text", got.Content)
			assert.Equal(t, conversation.StatusCompleted, got.Status)
			assert.Equal(t, 12, got.Usage.InputTokens)
		})
	}
}

func TestStore_FindByTraceID(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := conversation.NewSession("")
			require.NoError(t, store.PutSession(ctx, session))

			msg := conversation.NewMessage(conversation.RoleUser, "dedup me",
				conversation.WithSessionID(session.ID),
				conversation.WithTraceID("client-42"))
			require.NoError(t, store.PutMessage(ctx, msg))

			got, err := store.FindByTraceID(ctx, session.ID, "client-42")
			require.NoError(t, err)
			assert.Equal(t, msg.ID, got.ID)

			_, err = store.FindByTraceID(ctx, session.ID, "unknown")
			assert.ErrorIs(t, errors.Cause(err), ErrMessageNotFound)

			_, err = store.FindByTraceID(ctx, session.ID, "")
			assert.ErrorIs(t, errors.Cause(err), ErrMessageNotFound)
		})
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := conversation.NewSession("owner-7")
			session.Title = "first chat"
			require.NoError(t, store.PutSession(ctx, session))

			leaf := conversation.NewMessageID()
			session.CurrentLeafID = leaf
			session.MessageCount = 3
			require.NoError(t, store.PutSession(ctx, session))

			got, err := store.GetSession(ctx, session.ID)
			require.NoError(t, err)
			assert.Equal(t, "first chat", got.Title)
			assert.Equal(t, leaf, got.CurrentLeafID)
			assert.Equal(t, 3, got.MessageCount)

			sessions, err := store.ListSessions(ctx, "owner-7")
			require.NoError(t, err)
			require.Len(t, sessions, 1)

			require.NoError(t, store.DeleteSession(ctx, session.ID))
			_, err = store.GetSession(ctx, session.ID)
			assert.ErrorIs(t, errors.Cause(err), ErrSessionNotFound)
		})
	}
}

func TestLoadTree_ReconstructsBranches(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := conversation.NewSession("")
	require.NoError(t, store.PutSession(ctx, session))

	root := conversation.NewMessage(conversation.RoleUser, "q",
		conversation.WithSessionID(session.ID))
	answerA := conversation.NewMessage(conversation.RoleAssistant, "a1",
		conversation.WithSessionID(session.ID), conversation.WithParentID(root.ID))
	answerB := conversation.NewMessage(conversation.RoleAssistant, "a2",
		conversation.WithSessionID(session.ID), conversation.WithParentID(root.ID))
	for _, msg := range []*conversation.Message{root, answerA, answerB} {
		require.NoError(t, store.PutMessage(ctx, msg))
	}

	tree, err := LoadTree(ctx, store, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, tree.Len())
	assert.Len(t, tree.Children(root.ID), 2)

	branch, err := tree.Branch(answerA.ID)
	require.NoError(t, err)
	require.Len(t, branch, 2)
	assert.Equal(t, root.ID, branch[0].ID)
}
