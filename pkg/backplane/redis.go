package backplane

import (
	"context"
	"fmt"

	"homecloud/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is the production backplane. Every gateway process publishes and
// subscribes through a shared Redis instance.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(ctx context.Context, cfg *config.BackplaneConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis backplane: %w", err)
	}
	logger.Info("Connected to redis backplane", zap.String("addr", cfg.RedisAddr))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("backplane publish failed: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topics...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("backplane subscribe failed: %w", err)
	}

	sub := &redisSub{pubsub: pubsub, out: make(chan Message, subscriberBuffer)}
	go sub.pump()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSub) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSub) Messages() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}
