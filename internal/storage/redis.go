package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSettings implements SettingsStore using Redis
type RedisSettings struct {
	client *redis.Client
	prefix string
}

// NewRedisSettings connects to redisURL and verifies the connection.
func NewRedisSettings(redisURL string) (*RedisSettings, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisSettingsWithClient(client), nil
}

// NewRedisSettingsWithClient creates a store from an existing Redis client
func NewRedisSettingsWithClient(client *redis.Client) *RedisSettings {
	return &RedisSettings{
		client: client,
		prefix: "settings:",
	}
}

func (s *RedisSettings) key(k string) string {
	return s.prefix + k
}

func (s *RedisSettings) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisSettings) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *RedisSettings) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSettings) Close() error {
	return s.client.Close()
}
