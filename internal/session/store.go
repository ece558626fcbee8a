package session

import (
	"fmt"
	"sync"
	"time"
)

// Store is the table of races owned by this process. Every read and
// mutation of a Race goes through it, one at a time.
type Store struct {
	mu    sync.Mutex
	races map[string]*Race
}

func NewStore() *Store {
	return &Store{races: make(map[string]*Race)}
}

func (s *Store) Add(r *Race) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.races[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionAlreadyExists, r.ID)
	}
	s.races[r.ID] = r
	return nil
}

// Update runs fn on the race with the given id while holding the lock. fn
// must not block.
func (s *Store) Update(id string, fn func(*Race) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.races[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return fn(r)
}

func (s *Store) Snapshot(id string, now time.Time) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.races[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.Snapshot(now), true
}

func (s *Store) Owns(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.races[id]
	return ok
}

func (s *Store) Remove(id string) (*Race, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.races[id]
	if ok {
		delete(s.races, id)
	}
	return r, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.races)
}

// Joinable lists owned races that start in the future and have room.
func (s *Store) Joinable(now time.Time, capacity int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []Entry
	for _, r := range s.races {
		if r.Joinable(now, capacity) {
			entries = append(entries, Entry{RaceID: r.ID, StartAt: r.StartAt})
		}
	}
	return entries
}

// EvictStale removes and returns stale races, marked expired. The caller
// closes their exposures.
func (s *Store) EvictStale(now time.Time, staleAfter time.Duration) []*Race {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []*Race
	for id, r := range s.races {
		if r.Stale(now, staleAfter) {
			r.expired = true
			delete(s.races, id)
			evicted = append(evicted, r)
		}
	}
	return evicted
}

// Drain removes every race, for shutdown.
func (s *Store) Drain() []*Race {
	s.mu.Lock()
	defer s.mu.Unlock()
	races := make([]*Race, 0, len(s.races))
	for id, r := range s.races {
		r.expired = true
		races = append(races, r)
		delete(s.races, id)
	}
	return races
}

// closeExposure tears down the race's RPC surface, if any.
func (r *Race) closeExposure() error {
	if r.exposure == nil {
		return nil
	}
	return r.exposure.Close()
}
