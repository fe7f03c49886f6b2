// Package mirror owns the local, best-effort copy of the voting contract's state.
package mirror

import (
	"sync"

	"scrumvote/ballot"
)

// Store holds the mirror. Consumers only ever see value snapshots; mutation is
// restricted to the Synchronizer in this package.
type Store struct {
	mu    sync.RWMutex
	state ballot.Mirror

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan ballot.Mirror
}

// NewStore creates an empty mirror over the fixed candidate set.
func NewStore(candidates []string) *Store {
	state := ballot.Mirror{Candidates: make([]ballot.Candidate, 0, len(candidates))}
	for _, name := range candidates {
		state.Candidates = append(state.Candidates, ballot.Candidate{Name: name})
	}
	return &Store{state: state, subs: make(map[int]chan ballot.Mirror)}
}

// Snapshot returns a deep copy of the current mirror.
func (s *Store) Snapshot() ballot.Mirror {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe returns a channel that always holds the most recent snapshot after
// each change. Intermediate snapshots may be skipped for slow readers. The
// returned function releases the subscription.
func (s *Store) Subscribe() (<-chan ballot.Mirror, func()) {
	ch := make(chan ballot.Mirror, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) update(fn func(*ballot.Mirror)) ballot.Mirror {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	snapshot := s.state.Clone()
	// Publishing under the write lock keeps subscribers in update order; the
	// send never blocks because each channel is drained first.
	s.publish(snapshot)
	return snapshot
}

func (s *Store) publish(snapshot ballot.Mirror) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot.Clone()
	}
}
