package aggregator

import (
	"sync"

	"github.com/google/uuid"
)

// State is the live position of a feed in its fetch cycle.
type State string

const (
	StateIdle          State = "idle"
	StateBackoff       State = "backoff"
	StateQueued        State = "queued"
	StateFetching      State = "fetching"
	StateParsing       State = "parsing"
	StateDeduplicating State = "deduplicating"
	StatePersisting    State = "persisting"
)

// inflight is the set of feeds that currently own a cycle. Membership is the lock:
// a feed is added before its cycle starts and removed after the outcome is recorded.
type inflight struct {
	mu    sync.Mutex
	feeds map[uuid.UUID]State
}

func newInflight() *inflight {
	return &inflight{feeds: make(map[uuid.UUID]State)}
}

// tryAdd claims id for a new cycle. It returns false when a cycle is already running.
func (s *inflight) tryAdd(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[id]; ok {
		return false
	}
	s.feeds[id] = StateQueued
	return true
}

func (s *inflight) set(id uuid.UUID, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[id]; ok {
		s.feeds[id] = state
	}
}

func (s *inflight) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.feeds, id)
}

func (s *inflight) state(id uuid.UUID) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.feeds[id]
	return state, ok
}

func (s *inflight) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.feeds)
}
