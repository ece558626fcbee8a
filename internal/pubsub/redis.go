package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/coderace/backend/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus maps the bus onto Redis PUBLISH/SUBSCRIBE, which has exactly
// the required semantics: no retention, fan-out to every connected
// subscriber, nothing delivered to late subscribers.
//
// Each subscription holds its own *redis.PubSub connection. Channel names
// are prefixed so several deployments can share one Redis.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedisBus(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: prefix,
		log:    logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, b.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	metrics.RecordPublish("redis")
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.prefix+channel)
	// The first reply is the subscribe confirmation; after it Redis
	// routes every publish on the channel to this connection.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &redisSubscription{
		bus:     b,
		channel: channel,
		ps:      ps,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ps.Close()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(handler)
	return s, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redisSubscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

type redisSubscription struct {
	bus     *RedisBus
	channel string
	ps      *redis.PubSub
	done    chan struct{}
	once    sync.Once
}

func (s *redisSubscription) Channel() string { return s.channel }

func (s *redisSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *redisSubscription) stop() {
	s.once.Do(func() {
		close(s.done)
		if err := s.ps.Close(); err != nil {
			s.bus.log.Debug().Err(err).Str("channel", s.channel).Msg("closing redis subscription")
		}
	})
}

func (s *redisSubscription) run(handler Handler) {
	for msg := range s.ps.Channel() {
		select {
		case <-s.done:
			return
		default:
		}
		handler([]byte(msg.Payload))
	}
}
