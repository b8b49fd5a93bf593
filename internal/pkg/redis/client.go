package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/model"
)

// Client is the redis surface the messaging core needs: the per-scope
// sequence counter that serializes message ordering, pub/sub used to relay
// committed events between nodes, and a small membership cache in front
// of the membership table.
type Client interface {
	Close() error
	Ping(ctx context.Context) error
	NextSeq(ctx context.Context, scope model.ChannelScope) (int64, error)
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error)
	CacheMembership(ctx context.Context, scope model.ChannelScope, userID string, isMember bool, ttl time.Duration) error
	CachedMembership(ctx context.Context, scope model.ChannelScope, userID string) (isMember, found bool, err error)
}

type redisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewClient(cfg *config.RedisConfig) (Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisClient{
		client: rdb,
		config: cfg,
	}, nil
}

// NewClientFromRedis wraps an existing go-redis client. Used by tests
// that run against miniredis.
func NewClientFromRedis(rdb *redis.Client) Client {
	return &redisClient{client: rdb}
}

func (c *redisClient) Close() error {
	return c.client.Close()
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// NextSeq atomically increments and returns the ordering sequence for a
// channel scope. This INCR is the sole serialization point for message
// ordering within the scope.
func (c *redisClient) NextSeq(ctx context.Context, scope model.ChannelScope) (int64, error) {
	key := fmt.Sprintf("scope:%s:seq", scope.Key())
	result, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to generate seq for scope %s: %w", scope.Key(), err)
	}
	return result, nil
}

func (c *redisClient) Publish(ctx context.Context, channel string, payload any) error {
	err := c.client.Publish(ctx, channel, payload).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

func (c *redisClient) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	pubsub := c.client.Subscribe(ctx, channels...)
	// Wait for confirmation that the subscription is created.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to channels: %w", err)
	}
	return pubsub, nil
}

func membershipKey(scope model.ChannelScope, userID string) string {
	return fmt.Sprintf("member:%s:%s", scope.Key(), userID)
}

func (c *redisClient) CacheMembership(ctx context.Context, scope model.ChannelScope, userID string, isMember bool, ttl time.Duration) error {
	val := "0"
	if isMember {
		val = "1"
	}
	if err := c.client.Set(ctx, membershipKey(scope, userID), val, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache membership for %s: %w", userID, err)
	}
	return nil
}

func (c *redisClient) CachedMembership(ctx context.Context, scope model.ChannelScope, userID string) (bool, bool, error) {
	val, err := c.client.Get(ctx, membershipKey(scope, userID)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read membership cache for %s: %w", userID, err)
	}
	return val == "1", true, nil
}
