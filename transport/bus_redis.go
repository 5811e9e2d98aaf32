package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelNamespace prefixes every Redis channel the bus uses.
const DefaultChannelNamespace = "touchmouse_channel"

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE, which lets processes on the
// same host (or sharing a Redis) see each other's local channel traffic.
type RedisBus struct {
	rdb       *redis.Client
	namespace string
	logger    *slog.Logger
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisBus wraps an existing client. namespace defaults to
// DefaultChannelNamespace.
func NewRedisBus(rdb *redis.Client, namespace string, logger *slog.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("transport: redis client is required")
	}
	ns := strings.TrimSuffix(strings.TrimSpace(namespace), ":")
	if ns == "" {
		ns = DefaultChannelNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{rdb: rdb, namespace: ns, logger: logger}, nil
}

// DialRedisBus parses a redis:// URL, pings the server and returns a bus
// that owns the client.
func DialRedisBus(ctx context.Context, redisURL, namespace string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBus(rdb, namespace, logger)
}

func (b *RedisBus) channel(topic string) string {
	return b.namespace + ":" + topic
}

// Publish sends payload on the topic's channel. Redis drops it when nobody
// is subscribed.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("transport: topic is required")
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("transport: topic is required")
	}

	pubsub := b.rdb.Subscribe(ctx, b.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan []byte, defaultSubscriptionBuffer),
		done:     make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.pump(b.logger, topic)
	return sub, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func (s *redisSubscription) pump(logger *slog.Logger, topic string) {
	defer s.wg.Done()
	defer close(s.messages)

	incoming := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			select {
			case s.messages <- []byte(msg.Payload):
			default:
				logger.Debug("redis subscriber behind, dropping payload", "topic", topic)
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.messages }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}
