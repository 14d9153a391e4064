package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const directoryKeyPrefix = "ministudio:swarm:"

// Directory tells a mesh which peer endpoints serve a topic.
type Directory interface {
	Announce(ctx context.Context, topic string, endpoint string) error
	Withdraw(ctx context.Context, topic string, endpoint string) error
	Peers(ctx context.Context, topic string) ([]string, error)
	Close() error
}

// StaticDirectory lists the same configured endpoints for every topic.
type StaticDirectory struct {
	endpoints []string
}

func NewStaticDirectory(endpoints []string) *StaticDirectory {
	return &StaticDirectory{endpoints: append([]string(nil), endpoints...)}
}

func (d *StaticDirectory) Announce(context.Context, string, string) error { return nil }

func (d *StaticDirectory) Withdraw(context.Context, string, string) error { return nil }

func (d *StaticDirectory) Peers(context.Context, string) ([]string, error) {
	return append([]string(nil), d.endpoints...), nil
}

func (d *StaticDirectory) Close() error { return nil }

// RedisDirectory keeps one expiring set of endpoints per topic.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDirectory connects to addr and verifies the connection.
func NewRedisDirectory(ctx context.Context, addr string, ttl time.Duration) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("swarm: connect to redis: %w", err)
	}
	return &RedisDirectory{client: client, ttl: ttl}, nil
}

func (d *RedisDirectory) Announce(ctx context.Context, topic string, endpoint string) error {
	key := directoryKeyPrefix + topic
	if err := d.client.SAdd(ctx, key, endpoint).Err(); err != nil {
		return fmt.Errorf("swarm: announce: %w", err)
	}
	if err := d.client.Expire(ctx, key, d.ttl).Err(); err != nil {
		return fmt.Errorf("swarm: announce ttl: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Withdraw(ctx context.Context, topic string, endpoint string) error {
	if err := d.client.SRem(ctx, directoryKeyPrefix+topic, endpoint).Err(); err != nil {
		return fmt.Errorf("swarm: withdraw: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Peers(ctx context.Context, topic string) ([]string, error) {
	endpoints, err := d.client.SMembers(ctx, directoryKeyPrefix+topic).Result()
	if err != nil {
		return nil, fmt.Errorf("swarm: list peers: %w", err)
	}
	return endpoints, nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
