package conversation

import (
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// Edit creates a new user message as a sibling of the edited node (same
// parent). The old branch through the edited message remains fully
// navigable; the returned message is the new branch tip.
func (t *Tree) Edit(id MessageID, content string, options ...MessageOption) (*Message, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "edit target %s", id)
	}
	edited := NewMessage(RoleUser, content,
		append([]MessageOption{
			WithParentID(node.ParentID),
			WithSessionID(node.SessionID),
		}, options...)...)
	if err := t.Add(edited); err != nil {
		return nil, err
	}
	return edited, nil
}

// Regenerate creates a new assistant placeholder as a sibling of the
// regenerated node, status streaming, ready to receive a fresh response.
func (t *Tree) Regenerate(id MessageID, options ...MessageOption) (*Message, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "regenerate target %s", id)
	}
	regenerated := NewMessage(RoleAssistant, "",
		append([]MessageOption{
			WithParentID(node.ParentID),
			WithSessionID(node.SessionID),
			WithStatus(StatusStreaming),
		}, options...)...)
	if err := t.Add(regenerated); err != nil {
		return nil, err
	}
	return regenerated, nil
}

// ForkPath deep-copies the root-to-target path into a fresh linear chain
// for a new session. Every copy gets a fresh id; the parent chain is
// re-linked over the new ids. The original tree is untouched.
func (t *Tree) ForkPath(targetID MessageID, newSessionID string) ([]*Message, error) {
	path, err := t.Branch(targetID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	forked := make([]*Message, 0, len(path))
	prevID := NilMessage
	for _, msg := range path {
		cp := clone.Clone(msg).(*Message)
		cp.ID = NewMessageID()
		cp.ParentID = prevID
		cp.SessionID = newSessionID
		cp.TraceID = ""
		// original timestamps are kept so the forked chain lists in the
		// same order as the source path
		cp.UpdatedAt = now
		forked = append(forked, cp)
		prevID = cp.ID
	}
	return forked, nil
}
