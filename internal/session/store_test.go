package session

import (
	"errors"
	"testing"
	"time"
)

func TestStoreAddAndUpdate(t *testing.T) {
	s := NewStore()
	if err := s.Add(newTestRace()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(newTestRace()); !errors.Is(err, ErrSessionAlreadyExists) {
		t.Errorf("second Add = %v, want ErrSessionAlreadyExists", err)
	}

	err := s.Update("session_1", func(r *Race) error {
		r.Join(bob)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	snap, ok := s.Snapshot("session_1", t0)
	if !ok || len(snap.Members) != 2 {
		t.Errorf("Snapshot = %+v, %v", snap, ok)
	}

	if err := s.Update("session_missing", func(*Race) error { return nil }); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Update(missing) = %v, want ErrSessionNotFound", err)
	}
	if _, ok := s.Snapshot("session_missing", t0); ok {
		t.Error("Snapshot(missing) ok")
	}
}

func TestStoreJoinable(t *testing.T) {
	s := NewStore()
	s.Add(newTestRace())
	full := NewRace("session_full", alice, hello, t0, 13*time.Second)
	full.Join(bob)
	s.Add(full)

	tests := []struct {
		name     string
		now      time.Time
		capacity int
		want     int
	}{
		{"both open", t0, 5, 2},
		{"capacity two", t0, 2, 1},
		{"started", t0.Add(13 * time.Second), 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Joinable(tt.now, tt.capacity); len(got) != tt.want {
				t.Errorf("Joinable = %v, want %d entries", got, tt.want)
			}
		})
	}
}

func TestStoreEvictStale(t *testing.T) {
	s := NewStore()
	r := newTestRace()
	s.Add(r)

	if got := s.EvictStale(t0.Add(5*time.Minute), 10*time.Minute); len(got) != 0 {
		t.Fatalf("evicted %d before the race went stale", len(got))
	}
	got := s.EvictStale(t0.Add(11*time.Minute), 10*time.Minute)
	if len(got) != 1 || got[0] != r {
		t.Fatalf("EvictStale = %v", got)
	}
	if r.State(t0.Add(11*time.Minute)) != Expired {
		t.Errorf("evicted race state = %v, want expired", r.State(t0))
	}
	if s.Owns(r.ID) || s.Len() != 0 {
		t.Error("evicted race still owned")
	}
}

func TestStoreDrainAndRemove(t *testing.T) {
	s := NewStore()
	s.Add(newTestRace())
	s.Add(NewRace("session_2", bob, hello, t0, time.Second))

	if r, ok := s.Remove("session_2"); !ok || r.ID != "session_2" {
		t.Errorf("Remove = %v, %v", r, ok)
	}
	if _, ok := s.Remove("session_2"); ok {
		t.Error("second Remove ok")
	}

	drained := s.Drain()
	if len(drained) != 1 || s.Len() != 0 {
		t.Fatalf("Drain = %d races, %d left", len(drained), s.Len())
	}
	if drained[0].State(t0) != Expired {
		t.Errorf("drained race state = %v", drained[0].State(t0))
	}
}
