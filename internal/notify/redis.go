package notify

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes notifications on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher connects to addr and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, channel string, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisPublisherFromClient(client, channel, logger), nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultTopic
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// PublishSnapshot implements Publisher.
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, snap *auditledger.Snapshot) error {
	b, err := encode(snap)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, b).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	p.logger.Debug("snapshot notification published",
		zap.String("channel", p.channel),
		zap.Int64("snapshot_id", snap.ID),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error { return p.client.Close() }
