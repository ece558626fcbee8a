package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coderace/backend/internal/clock"
	"github.com/coderace/backend/internal/content"
	"github.com/coderace/backend/internal/ids"
	"github.com/coderace/backend/internal/metrics"
	"github.com/coderace/backend/internal/rpc"
	"github.com/rs/zerolog"
)

// Push event types sent to members.
const (
	EventSessionCreated = "session.created"
	EventMemberJoined   = "member.joined"
	EventMemberUpdated  = "member.updated"
)

// Event is pushed to race members after every mutation.
type Event struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Race      Snapshot `json:"race"`
}

// Notifier reaches users wherever their connection lives.
type Notifier interface {
	SendToMembers(ctx context.Context, userIDs []string, msg any) error
}

const createAttempts = 3

type ManagerConfig struct {
	Bridge    *rpc.Bridge
	Directory *Directory
	Store     *Store
	Content   content.Provider
	Notifier  Notifier
	Clock     clock.Clock
	IDs       ids.Generator

	// LeadTime is the gap between creation and start. Defaults to 13s.
	LeadTime time.Duration

	// SweepInterval paces eviction while no one is matchmaking. Defaults
	// to 30s.
	SweepInterval time.Duration

	Logger zerolog.Logger
}

// Manager owns the races created in this process and routes new members
// to races owned anywhere.
type Manager struct {
	bridge   *rpc.Bridge
	client   *Client
	dir      *Directory
	store    *Store
	content  content.Provider
	notifier Notifier
	clock    clock.Clock
	ids      ids.Generator
	lead     time.Duration
	sweep    time.Duration
	log      zerolog.Logger

	pushes sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		bridge:   cfg.Bridge,
		client:   NewClient(cfg.Bridge),
		dir:      cfg.Directory,
		store:    cfg.Store,
		content:  cfg.Content,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		lead:     cfg.LeadTime,
		sweep:    cfg.SweepInterval,
		log:      cfg.Logger,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.ids == nil {
		m.ids = ids.UUID()
	}
	if m.content == nil {
		m.content = content.Fixed(content.Default())
	}
	if m.lead <= 0 {
		m.lead = 13 * time.Second
	}
	if m.sweep <= 0 {
		m.sweep = 30 * time.Second
	}
	return m
}

func (m *Manager) Client() *Client { return m.client }

// Create starts a race owned by this process with user as its only member.
func (m *Manager) Create(ctx context.Context, user User, requestID string) (Snapshot, error) {
	snippet := m.content.Fetch(ctx)

	var (
		race *Race
		err  error
	)
	for attempt := 0; attempt < createAttempts; attempt++ {
		race = NewRace(ids.Session(m.ids), user, snippet, m.clock.Now(), m.lead)
		if err = m.store.Add(race); !errors.Is(err, ErrSessionAlreadyExists) {
			break
		}
		m.log.Warn().Str("raceId", race.ID).Msg("race id collision, retrying")
	}
	if err != nil {
		return Snapshot{}, err
	}

	exposure, err := m.bridge.Expose(ctx, race.ID, m.methods(race.ID))
	if err != nil {
		m.store.Remove(race.ID)
		return Snapshot{}, fmt.Errorf("exposing race: %w", err)
	}

	var snap Snapshot
	m.store.Update(race.ID, func(r *Race) error {
		r.exposure = exposure
		snap = r.Snapshot(m.clock.Now())
		return nil
	})
	metrics.SetOwnedRaces(m.store.Len())
	metrics.RecordRaceEvent("created")
	m.log.Info().
		Str("raceId", race.ID).
		Str("userId", user.ID).
		Time("startAt", race.StartAt).
		Int("length", snippet.Length()).
		Msg("race created")

	m.push([]string{user.ID}, Event{Type: EventSessionCreated, RequestID: requestID, Race: snap})

	if err := m.dir.Announce(ctx, Entry{RaceID: race.ID, StartAt: race.StartAt}); err != nil {
		m.log.Warn().Err(err).Str("raceId", race.ID).Msg("announcing race failed")
	}
	return snap, nil
}

// JoinOrCreate routes user into the best joinable race, or creates one. A
// race whose owner fails to answer is forgotten and skipped.
func (m *Manager) JoinOrCreate(ctx context.Context, user User, requestID string) (Snapshot, error) {
	if raceID, ok := m.dir.FindJoinable(); ok {
		snap, err := m.client.Join(ctx, raceID, user, requestID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, rpc.ErrTimeout) && !errors.Is(err, ErrSessionNotFound) {
			return Snapshot{}, err
		}
		m.log.Info().Err(err).Str("raceId", raceID).Msg("joinable race unreachable, creating")
		m.dir.Forget(raceID)
	}
	return m.Create(ctx, user, requestID)
}

func (m *Manager) methods(raceID string) rpc.Methods {
	return rpc.Methods{
		MethodJoin: func(_ context.Context, args rpc.Args) (any, error) {
			var (
				user      User
				requestID string
			)
			if err := args.Decode(0, &user); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &requestID); err != nil {
				return nil, err
			}
			return m.join(raceID, user, requestID)
		},
		MethodReportProgress: func(_ context.Context, args rpc.Args) (any, error) {
			var (
				user      User
				progress  int
				requestID string
			)
			if err := args.Decode(0, &user); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &progress); err != nil {
				return nil, err
			}
			if err := args.Decode(2, &requestID); err != nil {
				return nil, err
			}
			return m.reportProgress(raceID, user, progress, requestID)
		},
		MethodHeartbeat: func(context.Context, rpc.Args) (any, error) {
			m.heartbeat(raceID)
			return nil, nil
		},
	}
}

func (m *Manager) join(raceID string, user User, requestID string) (Snapshot, error) {
	var (
		snap       Snapshot
		recipients []string
	)
	err := m.store.Update(raceID, func(r *Race) error {
		r.Join(user)
		snap = r.Snapshot(m.clock.Now())
		recipients = r.MemberIDs()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	metrics.RecordRaceEvent("joined")
	m.log.Debug().Str("raceId", raceID).Str("userId", user.ID).Int("members", len(recipients)).Msg("member joined")
	m.push(recipients, Event{Type: EventMemberJoined, RequestID: requestID, Race: snap})
	return snap, nil
}

func (m *Manager) reportProgress(raceID string, user User, progress int, requestID string) (Snapshot, error) {
	var (
		snap       Snapshot
		recipients []string
		finished   bool
	)
	err := m.store.Update(raceID, func(r *Race) error {
		var err error
		finished, err = r.ReportProgress(user.ID, progress, m.clock.Now())
		if err != nil {
			return err
		}
		snap = r.Snapshot(m.clock.Now())
		recipients = r.MemberIDs()
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if finished {
		metrics.RecordRaceEvent("finished")
		m.log.Info().Str("raceId", raceID).Str("winner", snap.Winner).Msg("race finished")
	}
	m.push(recipients, Event{Type: EventMemberUpdated, RequestID: requestID, Race: snap})
	return snap, nil
}

func (m *Manager) heartbeat(raceID string) {
	now := m.clock.Now()
	_ = m.store.Update(raceID, func(r *Race) error {
		r.HeartbeatAt = now
		return nil
	})
}

// push delivers ev in the background. A failed delivery is logged and
// never fails the mutation that caused it.
func (m *Manager) push(userIDs []string, ev Event) {
	if m.notifier == nil {
		return
	}
	m.pushes.Add(1)
	go func() {
		defer m.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.bridge.Timeout()+time.Second)
		defer cancel()
		if err := m.notifier.SendToMembers(ctx, userIDs, ev); err != nil {
			m.log.Warn().Err(err).Str("type", ev.Type).Str("raceId", ev.Race.RaceID).Msg("push failed")
		}
	}()
}

// Run sweeps for stale races until ctx is done, then tears down every
// owned race.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-ticker.C():
			if n := m.dir.Sweep(); n > 0 {
				m.log.Debug().Int("evicted", n).Msg("sweep")
			}
		}
	}
}

// Close drops every owned race and waits for pending pushes.
func (m *Manager) Close() {
	for _, r := range m.store.Drain() {
		if err := r.closeExposure(); err != nil {
			m.log.Warn().Err(err).Str("raceId", r.ID).Msg("closing exposure")
		}
	}
	metrics.SetOwnedRaces(0)
	m.pushes.Wait()
}

// Wait blocks until pending pushes are delivered or have failed.
func (m *Manager) Wait() { m.pushes.Wait() }

// Snapshot returns the current state of an owned race.
func (m *Manager) Snapshot(raceID string) (Snapshot, bool) {
	return m.store.Snapshot(raceID, m.clock.Now())
}

// Owned is the number of races this process owns.
func (m *Manager) Owned() int { return m.store.Len() }

// Directory exposes the manager's directory for status reporting.
func (m *Manager) Directory() *Directory { return m.dir }
