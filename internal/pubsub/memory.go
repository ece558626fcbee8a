package pubsub

import (
	"context"
	"sync"

	"github.com/coderace/backend/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 256

// MemoryBus is an in-process Bus. Every Bridge, Directory and Registry built
// on the same MemoryBus behaves as if it lived in a separate process sharing
// a broker, which is how the tests exercise cross-process paths.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      map[string]map[*memorySubscription]struct{}
	queueSize int
	closed    bool
	log       zerolog.Logger
}

// NewMemoryBus creates a MemoryBus. queueSize bounds each subscription's
// backlog; zero selects the default.
func NewMemoryBus(queueSize int, logger zerolog.Logger) *MemoryBus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &MemoryBus{
		subs:      make(map[string]map[*memorySubscription]struct{}),
		queueSize: queueSize,
		log:       logger,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := append([]byte(nil), payload...)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	metrics.RecordPublish("memory")
	for s := range b.subs[channel] {
		select {
		case s.queue <- data:
		default:
			metrics.RecordDrop("memory")
			b.log.Warn().Str("channel", channel).Msg("subscriber queue full, dropping message")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySubscription{
		bus:     b,
		channel: channel,
		queue:   make(chan []byte, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	go s.run(handler)
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

func (b *MemoryBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Channel() string { return s.channel }

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) run(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			handler(msg)
		}
	}
}
