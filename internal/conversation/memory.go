package conversation

import (
	"container/list"
	"context"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

// MemoryStore keeps conversations in process memory. By default it grows
// without bound for the process lifetime; WithTTL and WithMaxUsers plug in
// eviction so memory stays bounded. Eviction always removes whole
// conversations, never individual turns.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*userState
	order    *list.List // user IDs, least recently active at the front
	ttl      time.Duration
	maxUsers int
	now      func() time.Time
}

type userState struct {
	turns      []domain.Turn
	startedAt  time.Time
	lastActive time.Time
	element    *list.Element
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTTL evicts a user's conversation once it has been idle for d.
// Zero disables expiry.
func WithTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.ttl = d
	}
}

// WithMaxUsers caps the number of tracked users; the least recently active
// conversation is dropped to make room. Zero means no cap.
func WithMaxUsers(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxUsers = n
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		users: make(map[string]*userState),
		order: list.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns a copy of the user's turns in conversational order.
func (s *MemoryStore) History(_ context.Context, userID string) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	s.touch(u)
	out := make([]domain.Turn, len(u.turns))
	copy(out, u.turns)
	return out, nil
}

// AppendTurn records a completed exchange, creating the conversation on
// first sight.
func (s *MemoryStore) AppendTurn(_ context.Context, userID string, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired()
	u, ok := s.users[userID]
	if !ok {
		if s.maxUsers > 0 && len(s.users) >= s.maxUsers {
			s.evictOldest()
		}
		now := s.now()
		u = &userState{startedAt: now, lastActive: now}
		u.element = s.order.PushBack(userID)
		s.users[userID] = u
	}
	u.turns = append(u.turns, turn)
	s.touch(u)
	return nil
}

// Users reports the number of tracked conversations.
func (s *MemoryStore) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// touch marks the user as most recently active. Must be called with mu held.
func (s *MemoryStore) touch(u *userState) {
	u.lastActive = s.now()
	s.order.MoveToBack(u.element)
}

// evictExpired drops conversations idle past the TTL. Must be called with mu
// held. The order list keeps the least recently active user at the front, so
// the scan stops at the first live entry.
func (s *MemoryStore) evictExpired() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		userID := front.Value.(string)
		u := s.users[userID]
		if now.Sub(u.lastActive) <= s.ttl {
			return
		}
		s.order.Remove(front)
		delete(s.users, userID)
	}
}

// evictOldest removes the least recently active conversation. Must be called
// with mu held.
func (s *MemoryStore) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	userID := front.Value.(string)
	s.order.Remove(front)
	delete(s.users, userID)
}
