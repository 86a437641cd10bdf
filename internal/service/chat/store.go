package chat

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// Store persists sessions and their transcripts.
type Store interface {
	SaveSession(ctx context.Context, session chat.Session) error
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	AppendMessages(ctx context.Context, sessionID string, messages ...chat.Message) error
	LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error)
	ClearTranscript(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// idleSweeper is implemented by stores without native key expiry.
type idleSweeper interface {
	// DeleteIdle removes sessions last active before cutoff, except keep.
	DeleteIdle(ctx context.Context, cutoff time.Time, keep ...string) (int, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, session chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session
	if _, ok := s.messages[session.ID]; !ok {
		s.messages[session.ID] = make([]chat.Message, 0, 16)
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, sessionID string, messages ...chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	s.messages[sessionID] = append(s.messages[sessionID], messages...)
	return nil
}

func (s *MemoryStore) LoadTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (s *MemoryStore) ClearTranscript(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	s.messages[sessionID] = make([]chat.Message, 0, 16)
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *MemoryStore) DeleteIdle(_ context.Context, cutoff time.Time, keep ...string) (int, error) {
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if _, ok := kept[id]; ok || !session.LastActiveAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		delete(s.messages, id)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
