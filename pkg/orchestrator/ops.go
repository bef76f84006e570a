package orchestrator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/conversation"
	"github.com/tanglechat/tangle/pkg/events"
	"github.com/tanglechat/tangle/pkg/persist"
)

// Edit replaces a user message with a sibling carrying new content and
// moves the session tip onto the new branch. The old branch stays stored
// and reachable from its own leaf.
func (o *Orchestrator) Edit(ctx context.Context, sessionID string, messageID conversation.MessageID, content string) (*conversation.Message, error) {
	if content == "" {
		return nil, errors.Wrap(ErrValidation, "empty content")
	}
	session, tree, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	edited, err := tree.Edit(messageID, content)
	if err != nil {
		return nil, err
	}
	if err := o.store.PutMessage(ctx, edited); err != nil {
		return nil, err
	}

	session.CurrentLeafID = edited.ID
	session.TouchPreview(edited)
	if err := o.store.PutSession(ctx, session); err != nil {
		return nil, err
	}
	return edited, nil
}

// Regenerate re-runs inference for an assistant message: a fresh sibling
// placeholder is created under the same parent and streamed into, leaving
// the original answer on its own branch.
func (o *Orchestrator) Regenerate(ctx context.Context, sessionID string, messageID conversation.MessageID, sink events.EventSink) (*TurnResult, error) {
	session, tree, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	target, ok := tree.Get(messageID)
	if !ok {
		return nil, errors.Wrapf(ErrValidation, "unknown message %s", messageID)
	}
	if target.Role != conversation.RoleAssistant {
		return nil, errors.Wrap(ErrValidation, "only assistant messages can be regenerated")
	}
	userMsg, ok := tree.Get(target.ParentID)
	if !ok {
		return nil, errors.Wrapf(ErrValidation, "message %s has no parent", messageID)
	}

	s := o.settings.Clone()
	eng, err := o.factory.CreateEngine(s)
	if err != nil {
		return nil, err
	}

	placeholder, err := tree.Regenerate(messageID)
	if err != nil {
		return nil, err
	}
	if err := o.recorder.OnStart(ctx, placeholder); err != nil {
		return nil, err
	}

	branch, err := tree.Branch(userMsg.ID)
	if err != nil {
		return nil, err
	}

	md := events.EventMetadata{
		SessionID: session.ID,
		MessageID: placeholder.ID.String(),
		Provider:  string(s.Chat.ApiType),
		Model:     s.Chat.Model,
	}
	_ = sink.PublishEvent(events.NewStartEvent(md))

	return o.stream(ctx, eng, sink, md, session, branch, userMsg, placeholder, false)
}

// Siblings lists the alternative versions of a message: the edits or
// regenerations sharing its parent, excluding the message itself.
func (o *Orchestrator) Siblings(ctx context.Context, sessionID string, messageID conversation.MessageID) ([]*conversation.Message, error) {
	_, tree, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := tree.Get(messageID); !ok {
		return nil, errors.Wrapf(ErrValidation, "unknown message %s", messageID)
	}

	siblings := []*conversation.Message{}
	for _, id := range tree.Siblings(messageID) {
		if msg, ok := tree.Get(id); ok {
			siblings = append(siblings, msg)
		}
	}
	return siblings, nil
}

// Fork copies the root-to-target path into a brand-new session. Copies
// get fresh ids and cleared trace ids, so the fork cannot collide with
// the source session's idempotency keys.
func (o *Orchestrator) Fork(ctx context.Context, sessionID string, messageID conversation.MessageID, userID string) (*conversation.Session, error) {
	_, tree, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	forked := conversation.NewSession(userID)
	path, err := tree.ForkPath(messageID, forked.ID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, errors.Wrap(ErrValidation, "empty fork path")
	}

	if err := o.store.PutSession(ctx, forked); err != nil {
		return nil, err
	}
	for _, msg := range path {
		if err := o.store.PutMessage(ctx, msg); err != nil {
			return nil, errors.Wrapf(err, "persist forked message %s", msg.ID)
		}
	}

	tip := path[len(path)-1]
	forked.CurrentLeafID = tip.ID
	forked.TouchPreview(tip)
	forked.MessageCount = len(path)
	if err := o.store.PutSession(ctx, forked); err != nil {
		return nil, err
	}
	return forked, nil
}

func (o *Orchestrator) loadSession(ctx context.Context, sessionID string) (*conversation.Session, *conversation.Tree, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Cause(err) == persist.ErrSessionNotFound {
			return nil, nil, errors.Wrapf(ErrValidation, "unknown session %s", sessionID)
		}
		return nil, nil, err
	}
	tree, err := persist.LoadTree(ctx, o.store, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, tree, nil
}
