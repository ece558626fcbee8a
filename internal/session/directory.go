package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coderace/backend/internal/clock"
	"github.com/coderace/backend/internal/codec"
	"github.com/coderace/backend/internal/metrics"
	"github.com/coderace/backend/internal/pubsub"
	"github.com/rs/zerolog"
)

// DirectoryKey is the bus channel every process announces new races on.
const DirectoryKey = "directory"

const announceType = "session.created"

// Entry summarizes a race that may still be joined.
type Entry struct {
	RaceID  string
	StartAt time.Time
}

// before orders entries for matchmaking: earliest start first, then
// smallest id.
func (e Entry) before(o Entry) bool {
	if !e.StartAt.Equal(o.StartAt) {
		return e.StartAt.Before(o.StartAt)
	}
	return e.RaceID < o.RaceID
}

type announcement struct {
	Type    string `cbor:"type"`
	RaceID  string `cbor:"raceId"`
	StartAt int64  `cbor:"startAt"`
}

type DirectoryConfig struct {
	Bus   pubsub.Bus
	Store *Store
	Clock clock.Clock

	// Capacity is the member count at which an owned race stops being
	// offered. Defaults to 5.
	Capacity int

	// StaleAfter is how long a started race may go without a heartbeat
	// before it is evicted. Defaults to 10 minutes.
	StaleAfter time.Duration

	Logger zerolog.Logger
}

// Directory is this process's eventually consistent view of joinable
// races: every announcement heard on the bus plus the races it owns.
type Directory struct {
	bus        pubsub.Bus
	store      *Store
	clock      clock.Clock
	capacity   int
	staleAfter time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	sub     pubsub.Subscription
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	d := &Directory{
		bus:        cfg.Bus,
		store:      cfg.Store,
		clock:      cfg.Clock,
		capacity:   cfg.Capacity,
		staleAfter: cfg.StaleAfter,
		log:        cfg.Logger,
		entries:    make(map[string]Entry),
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.capacity <= 0 {
		d.capacity = 5
	}
	if d.staleAfter <= 0 {
		d.staleAfter = 10 * time.Minute
	}
	return d
}

// Start subscribes to announcements. Races announced before Start returns
// are never seen.
func (d *Directory) Start(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, DirectoryKey, d.receive)
	if err != nil {
		return fmt.Errorf("directory: subscribe: %w", err)
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return nil
}

func (d *Directory) Close() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

// Announce tells every process, this one included, about a new race.
func (d *Directory) Announce(ctx context.Context, e Entry) error {
	data, err := codec.Marshal(announcement{Type: announceType, RaceID: e.RaceID, StartAt: e.StartAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("directory: encoding announcement: %w", err)
	}
	if err := d.bus.Publish(ctx, DirectoryKey, data); err != nil {
		return fmt.Errorf("directory: announce %s: %w", e.RaceID, err)
	}
	return nil
}

func (d *Directory) receive(payload []byte) {
	var a announcement
	if err := codec.Unmarshal(payload, &a); err != nil {
		d.log.Warn().Err(err).Msg("undecodable directory message")
		return
	}
	if a.Type != announceType {
		d.log.Warn().Str("type", a.Type).Msg("unknown directory message type")
		return
	}
	if a.RaceID == "" {
		return
	}
	d.mu.Lock()
	d.entries[a.RaceID] = Entry{RaceID: a.RaceID, StartAt: time.UnixMilli(a.StartAt)}
	d.mu.Unlock()
}

// FindJoinable returns the race a new member should be routed to. Owned
// races must also have room; announcements of races this process owns are
// judged by the owned table alone. Scanning evicts what has expired.
func (d *Directory) FindJoinable() (string, bool) {
	now := d.clock.Now()
	d.sweep(now)

	var best Entry
	found := false
	consider := func(e Entry) {
		if !found || e.before(best) {
			best, found = e, true
		}
	}

	d.mu.Lock()
	for _, e := range d.entries {
		if d.store.Owns(e.RaceID) {
			continue
		}
		consider(e)
	}
	d.mu.Unlock()

	for _, e := range d.store.Joinable(now, d.capacity) {
		consider(e)
	}
	return best.RaceID, found
}

// Forget drops an announced entry whose owner did not answer.
func (d *Directory) Forget(raceID string) {
	d.mu.Lock()
	delete(d.entries, raceID)
	d.mu.Unlock()
}

// Sweep evicts started announcements and stale owned races. It returns
// how many owned races were evicted.
func (d *Directory) Sweep() int {
	return d.sweep(d.clock.Now())
}

func (d *Directory) sweep(now time.Time) int {
	d.mu.Lock()
	for id, e := range d.entries {
		if !e.StartAt.After(now) {
			delete(d.entries, id)
		}
	}
	d.mu.Unlock()

	evicted := d.store.EvictStale(now, d.staleAfter)
	for _, r := range evicted {
		if err := r.closeExposure(); err != nil {
			d.log.Warn().Err(err).Str("raceId", r.ID).Msg("closing exposure of stale race")
		}
		metrics.RecordRaceEvent("expired")
		d.log.Info().Str("raceId", r.ID).Time("heartbeatAt", r.HeartbeatAt).Msg("evicted stale race")
	}
	if len(evicted) > 0 {
		metrics.SetOwnedRaces(d.store.Len())
	}
	return len(evicted)
}

// Len is the number of announced entries currently held.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
