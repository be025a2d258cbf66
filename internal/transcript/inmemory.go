package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process memory. This is the default
// backend: transcripts are volatile and vanish on restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	turns   map[string][]Turn
	nextSeq map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:   make(map[string][]Turn),
		nextSeq: make(map[string]int64),
	}
}

func (s *InMemoryStore) Append(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	// Seq survives ClearSession so topic markers held by callers can
	// never point past a reused sequence number.
	s.nextSeq[turn.SessionID]++
	turn.Seq = s.nextSeq[turn.SessionID]
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return turn, nil
}

func (s *InMemoryStore) SessionTurns(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]Turn, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, sinceSeq int64, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]

	eligible := make([]Turn, 0, len(arr))
	for _, t := range arr {
		if t.Seq > sinceSeq {
			eligible = append(eligible, t)
		}
	}
	if limit <= 0 || limit > len(eligible) {
		limit = len(eligible)
	}
	if limit == 0 {
		return nil, nil
	}
	out := make([]Turn, limit)
	copy(out, eligible[len(eligible)-limit:])
	return out, nil
}

func (s *InMemoryStore) ClearSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
