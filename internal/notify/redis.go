package notify

import (
	"context"
	"fmt"
	"sync"

	"qms/clinic-queue/internal/logging"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "clinic:tickets"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Redis publishes ticket changes over Redis pub/sub so that views running
// in other processes refresh without waiting for their poll interval.
type Redis struct {
	client  *redis.Client
	channel string

	mu      sync.Mutex
	pubsubs map[*redis.PubSub]struct{}
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.Channel), nil
}

func NewRedisWithClient(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{
		client:  client,
		channel: channel,
		pubsubs: make(map[*redis.PubSub]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, ticketID string) error {
	if err := r.client.Publish(ctx, r.channel, ticketID).Err(); err != nil {
		return fmt.Errorf("failed to publish ticket change: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, onChange func()) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsubs[pubsub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for range pubsub.Channel() {
			onChange()
		}
		logging.FromContext(ctx).Debug().Str("channel", r.channel).Msg("redis subscription closed")
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.pubsubs, pubsub)
			r.mu.Unlock()
			_ = pubsub.Close()
		})
	}, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	for pubsub := range r.pubsubs {
		_ = pubsub.Close()
	}
	r.pubsubs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()
	return r.client.Close()
}
