package session

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coderace/backend/internal/content"
)

type State int

const (
	Scheduled State = iota
	Active
	Finished
	Expired
)

var stateNames = map[State]string{
	Scheduled: "scheduled",
	Active:    "active",
	Finished:  "finished",
	Expired:   "expired",
}

var stateFromName = map[string]State{
	"scheduled": Scheduled,
	"active":    Active,
	"finished":  Finished,
	"expired":   Expired,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// User identifies whoever is typing. Name is optional and replaced on
// rejoin only when the new value is non-empty.
type User struct {
	ID   string `json:"userId"`
	Name string `json:"name,omitempty"`
}

type Member struct {
	User
	Progress   int
	FinishedAt time.Time
}

func (m *Member) Finished() bool { return !m.FinishedAt.IsZero() }

// Race is the authoritative state of one session. It lives only in the
// owning process and is touched only under the Store's lock.
type Race struct {
	ID          string
	CreatedAt   time.Time
	StartAt     time.Time
	FinishedAt  time.Time
	Winner      string
	Content     content.Snippet
	HeartbeatAt time.Time

	members  map[string]*Member
	order    []string
	expired  bool
	exposure io.Closer
}

func NewRace(id string, creator User, snippet content.Snippet, now time.Time, lead time.Duration) *Race {
	r := &Race{
		ID:          id,
		CreatedAt:   now,
		StartAt:     now.Add(lead),
		Content:     snippet,
		HeartbeatAt: now,
		members:     make(map[string]*Member),
	}
	r.Join(creator)
	return r
}

// Join adds u at progress 0, or refreshes the identity of an existing
// member while keeping its progress and finish time.
func (r *Race) Join(u User) {
	if m, ok := r.members[u.ID]; ok {
		if u.Name != "" {
			m.Name = u.Name
		}
		return
	}
	r.members[u.ID] = &Member{User: u}
	r.order = append(r.order, u.ID)
}

// ReportProgress records a member's progress. Reaching the snippet length
// stamps the member's finish once; the first finisher is the winner. The
// race finishes exactly once, when every member has finished. It reports
// whether this call finished the race.
func (r *Race) ReportProgress(userID string, progress int, now time.Time) (bool, error) {
	m, ok := r.members[userID]
	if !ok {
		return false, fmt.Errorf("%w: %s in %s", ErrSessionMemberNotFound, userID, r.ID)
	}
	m.Progress = progress
	if progress == r.Content.Length() && !m.Finished() {
		m.FinishedAt = now
		if r.Winner == "" {
			r.Winner = userID
		}
	}
	if !r.FinishedAt.IsZero() {
		return false, nil
	}
	for _, id := range r.order {
		if !r.members[id].Finished() {
			return false, nil
		}
	}
	r.FinishedAt = now
	return true, nil
}

func (r *Race) Member(userID string) (Member, bool) {
	m, ok := r.members[userID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (r *Race) Len() int { return len(r.order) }

// MemberIDs returns member ids in join order.
func (r *Race) MemberIDs() []string {
	return append([]string(nil), r.order...)
}

func (r *Race) State(now time.Time) State {
	switch {
	case r.expired:
		return Expired
	case !r.FinishedAt.IsZero():
		return Finished
	case now.Before(r.StartAt):
		return Scheduled
	default:
		return Active
	}
}

// Joinable reports whether r still accepts matchmade members.
func (r *Race) Joinable(now time.Time, capacity int) bool {
	return !r.expired && r.StartAt.After(now) && len(r.order) < capacity
}

// Stale reports whether r has started and seen no heartbeat for longer
// than staleAfter.
func (r *Race) Stale(now time.Time, staleAfter time.Duration) bool {
	return r.StartAt.Before(now) && r.HeartbeatAt.Before(now.Add(-staleAfter))
}

type MemberSnapshot struct {
	UserID     string `json:"userId"`
	Name       string `json:"name,omitempty"`
	Progress   int    `json:"progress"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
}

// Snapshot is the outward view of a race. Times are Unix milliseconds and
// zero when unset. Members are in join order.
type Snapshot struct {
	RaceID      string           `json:"raceId"`
	State       State            `json:"state"`
	CreatedAt   int64            `json:"createdAt"`
	StartAt     int64            `json:"startAt"`
	FinishedAt  int64            `json:"finishedAt,omitempty"`
	Winner      string           `json:"winner,omitempty"`
	CodeSnippet content.Snippet  `json:"codeSnippet"`
	Members     []MemberSnapshot `json:"members"`
}

func (r *Race) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		RaceID:      r.ID,
		State:       r.State(now),
		CreatedAt:   r.CreatedAt.UnixMilli(),
		StartAt:     r.StartAt.UnixMilli(),
		FinishedAt:  unixMilli(r.FinishedAt),
		Winner:      r.Winner,
		CodeSnippet: r.Content,
		Members:     make([]MemberSnapshot, 0, len(r.order)),
	}
	for _, id := range r.order {
		m := r.members[id]
		s.Members = append(s.Members, MemberSnapshot{
			UserID:     m.ID,
			Name:       m.Name,
			Progress:   m.Progress,
			FinishedAt: unixMilli(m.FinishedAt),
		})
	}
	return s
}

// Member looks up a member of the snapshot.
func (s Snapshot) Member(userID string) (MemberSnapshot, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return MemberSnapshot{}, false
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
