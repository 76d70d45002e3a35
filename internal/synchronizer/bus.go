package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/joescharf/wake/internal/metrics"
)

// Bus is broadcast-channel transport between contexts. Delivery is
// best-effort: messages may be lost, duplicated or reordered, and the
// convergence rule makes that safe.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription delivers envelopes until closed.
type Subscription interface {
	C() <-chan Envelope
	Close() error
}

// Topic is the per-user channel name.
func Topic(userID string) string {
	return "wake:user:" + userID
}

const subscriberBuffer = 64

// MemoryBus is an in-process bus for contexts sharing one process and for
// tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Envelope
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Envelope)}
}

// Publish never blocks: a subscriber that is not keeping up loses the message.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- env:
		default:
			metrics.IncBusDrop(topic)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	ch := make(chan Envelope, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b     *MemoryBus
	topic string
	ch    chan Envelope
	once  sync.Once
}

func (s *memSub) C() <-chan Envelope {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

// RedisBus carries envelopes over Redis Pub/Sub so contexts in different
// processes (or on different hosts) see each other.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisBus wraps an existing client. The caller owns the client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, log: logger}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	sub := &redisSub{ps: ps, ch: make(chan Envelope, subscriberBuffer), done: make(chan struct{})}
	go sub.pump(topic, b.log)
	return sub, nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *redisSub) pump(topic string, log zerolog.Logger) {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("dropping malformed envelope")
				continue
			}
			select {
			case s.ch <- env:
			default:
				metrics.IncBusDrop(topic)
			}
		}
	}
}

func (s *redisSub) C() <-chan Envelope {
	return s.ch
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var (
	_ Bus = (*MemoryBus)(nil)
	_ Bus = (*RedisBus)(nil)
)
