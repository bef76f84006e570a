package persist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/conversation"
)

// MemoryStore is a map-backed MessageStore for tests and ephemeral setups.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[conversation.MessageID]*conversation.Message
	sessions map[string]*conversation.Session
}

var _ MessageStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[conversation.MessageID]*conversation.Message),
		sessions: make(map[string]*conversation.Session),
	}
}

func (s *MemoryStore) PutMessage(_ context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := msg.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.messages[cp.ID] = cp
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id conversation.MessageID) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, errors.Wrap(ErrMessageNotFound, id.String())
	}
	return msg.Clone(), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []*conversation.Message
	for _, msg := range s.messages {
		if msg.SessionID == sessionID {
			msgs = append(msgs, msg.Clone())
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID.String() < msgs[j].ID.String()
	})
	return msgs, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id conversation.MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return errors.Wrap(ErrMessageNotFound, id.String())
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) FindByTraceID(_ context.Context, sessionID, traceID string) (*conversation.Message, error) {
	if traceID == "" {
		return nil, errors.Wrap(ErrMessageNotFound, "empty trace id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *conversation.Message
	for _, msg := range s.messages {
		if msg.SessionID != sessionID || msg.TraceID != traceID {
			continue
		}
		if found == nil || msg.CreatedAt.Before(found.CreatedAt) {
			found = msg
		}
	}
	if found == nil {
		return nil, errors.Wrapf(ErrMessageNotFound, "trace %s", traceID)
	}
	return found.Clone(), nil
}

func (s *MemoryStore) PutSession(_ context.Context, session *conversation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	cp.UpdatedAt = time.Now()
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*conversation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, errors.Wrap(ErrSessionNotFound, id)
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, ownerID string) ([]*conversation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []*conversation.Session
	for _, session := range s.sessions {
		if ownerID != "" && session.OwnerID != ownerID {
			continue
		}
		cp := *session
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	for msgID, msg := range s.messages {
		if msg.SessionID == id {
			delete(s.messages, msgID)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
