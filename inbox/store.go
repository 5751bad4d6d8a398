package inbox

import (
	"context"
	"sync"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
)

// Store is the durable persistence contract for user records. Load returns
// ErrKeyNotFound for unknown users; Update performs a read-modify-write
// cycle that creates the record when absent. The mutate function reports
// whether it changed the record so read-mostly operations skip the write.
// Implementations must make the mutate-and-save step atomic with respect to
// concurrent Updates for the same user.
type Store interface {
	Load(ctx context.Context, userID string) (*UserRecord, error)
	Update(ctx context.Context, userID string, mutate func(*UserRecord) (bool, error)) error
}

// MemoryStore is an in-process Store used by tests and by the development
// mode server that runs without NATS.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*UserRecord)}
}

// Load returns a deep copy of the user record, or ErrKeyNotFound.
func (s *MemoryStore) Load(_ context.Context, userID string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[userID]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return rec.clone(), nil
}

// Update applies mutate to the user's record under the store lock, creating
// the record when the user is unknown. A mutate error or an unchanged
// record leaves the stored state untouched.
func (s *MemoryStore) Update(_ context.Context, userID string, mutate func(*UserRecord) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[userID]
	if !ok {
		rec = NewUserRecord(userID)
	}
	work := rec.clone()
	changed, err := mutate(work)
	if err != nil {
		return err
	}
	if changed {
		s.users[userID] = work
	}
	return nil
}
