package session

import (
	"fmt"
	"sync"
)

// SessionNotFoundError reports a lookup for an id the store does not hold.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// Store is an in-memory session registry with an explicit lifecycle:
// sessions are inserted on creation and removed on Delete. There is no
// persistence; sessions live for the life of the process.
type Store struct {
	mu   sync.RWMutex
	sess map[string]*Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sess: make(map[string]*Session)}
}

// Create makes a new session and registers it.
func (st *Store) Create(goal, provider string) *Session {
	s := New(goal, provider)
	st.mu.Lock()
	st.sess[s.ID()] = s
	st.mu.Unlock()
	return s
}

// Get returns the session for id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sess[id]
	if !ok {
		return nil, &SessionNotFoundError{ID: id}
	}
	return s, nil
}

// Delete evicts a session from the store.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sess, id)
	st.mu.Unlock()
}

// Len reports the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sess)
}
