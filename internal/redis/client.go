package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SkynetNext/push-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/push-gateway/internal/config"
	"github.com/SkynetNext/push-gateway/internal/events"
	"github.com/SkynetNext/push-gateway/internal/logger"
	"github.com/SkynetNext/push-gateway/internal/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client is a Redis client wrapper implementing events.Bus over pub/sub
type Client struct {
	rdb     *redis.Client
	prefix  string
	breaker *circuitbreaker.Breaker
}

var _ events.Bus = (*Client)(nil)

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:     rdb,
		prefix:  cfg.KeyPrefix,
		breaker: circuitbreaker.NewBreaker("redis_publish", int64(cfg.BreakerFailures), cfg.BreakerTimeout),
	}
}

// Connect creates a client and pings Redis with exponential backoff
func Connect(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	c := NewClient(cfg)
	err := retry.Do(ctx, retry.Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.L.Warn("redis ping failed, retrying",
				zap.String("addr", cfg.Addr),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}, c.Ping)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return c, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// channel generates the full channel name with prefix
func (c *Client) channel(name string) string {
	return c.prefix + "events:" + name
}

// Publish publishes payload on the channel of the named event. While Redis
// keeps failing, publishes fail fast with circuitbreaker.ErrOpen.
func (c *Client) Publish(ctx context.Context, name string, payload []byte) error {
	err := c.breaker.Execute(func() error {
		return c.rdb.Publish(ctx, c.channel(name), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Subscribe subscribes h to the named event. The subscription is confirmed
// before Subscribe returns; cancel closes it and waits for the reader to exit.
func (c *Client) Subscribe(ctx context.Context, name string, h events.Handler) (func(), error) {
	pubsub := c.rdb.Subscribe(ctx, c.channel(name))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			events.Dispatch(name, h, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				logger.L.Debug("redis pubsub close error",
					zap.String("event", name),
					zap.Error(err),
				)
			}
			<-done
		})
	}, nil
}
