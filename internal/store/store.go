package store

import (
	"sync"
)

// Store publishes immutable snapshots of S. Update applies a reducer atomically;
// readers always observe a complete snapshot.
type Store[S any] struct {
	mu        sync.RWMutex
	state     S
	version   uint64
	listeners map[int]func(S)
	nextID    int
}

func New[S any](initial S) *Store[S] {
	return &Store[S]{state: initial, listeners: make(map[int]func(S))}
}

func (s *Store[S]) State() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Version counts the snapshots published so far.
func (s *Store[S]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Update replaces the snapshot with fn(current). When fn fails the snapshot is
// kept and the error returned. Listeners run after the lock is released.
func (s *Store[S]) Update(fn func(S) (S, error)) (S, error) {
	s.mu.Lock()
	next, err := fn(s.state)
	if err != nil {
		cur := s.state
		s.mu.Unlock()
		return cur, err
	}
	s.state = next
	s.version++
	listeners := make([]func(S), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next, nil
}

// Subscribe registers fn to receive every published snapshot.
func (s *Store[S]) Subscribe(fn func(S)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Dispatch applies a table action to a table store.
func Dispatch(s *Store[TableState], actions ...TableAction) (TableState, error) {
	return s.Update(func(t TableState) (TableState, error) {
		var err error
		for _, a := range actions {
			if t, err = ReduceTable(t, a); err != nil {
				return t, err
			}
		}
		return t, nil
	})
}
