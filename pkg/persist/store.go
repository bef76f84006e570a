package persist

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/conversation"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrSessionNotFound = errors.New("session not found")
)

// MessageStore is the durable home of sessions and their message forests.
// Messages are stored flat with a nullable parent pointer; the tree is
// reconstructed in memory from ListMessages.
type MessageStore interface {
	PutMessage(ctx context.Context, msg *conversation.Message) error
	GetMessage(ctx context.Context, id conversation.MessageID) (*conversation.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*conversation.Message, error)
	DeleteMessage(ctx context.Context, id conversation.MessageID) error

	// FindByTraceID locates a message by its client-issued correlation id,
	// used to deduplicate re-submitted turns.
	FindByTraceID(ctx context.Context, sessionID, traceID string) (*conversation.Message, error)

	PutSession(ctx context.Context, session *conversation.Session) error
	GetSession(ctx context.Context, id string) (*conversation.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]*conversation.Session, error)
	DeleteSession(ctx context.Context, id string) error

	Close() error
}

// LoadTree reconstructs a session's message tree from the store.
func LoadTree(ctx context.Context, store MessageStore, sessionID string) (*conversation.Tree, error) {
	msgs, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// messages come ordered by creation time, so parents precede children
	tree, err := conversation.NewTree(msgs...)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s", sessionID)
	}
	return tree, nil
}
