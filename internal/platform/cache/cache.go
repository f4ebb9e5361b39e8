// Package cache holds in-progress assessments in Redis so repeated flow
// reads during an intake session do not hit the database.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when no entry exists for the id.
var ErrMiss = errors.New("cache miss")

const keyPrefix = "assessment:"

// AssessmentCache stores encoded assessments by id.
type AssessmentCache interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Set(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a cache backed by client. Entries expire after ttl.
func NewRedis(client *redis.Client, ttl time.Duration) AssessmentCache {
	return &redisCache{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and verifies the server responds.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *redisCache) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment %s: %w", id, err)
	}
	return data, nil
}

func (c *redisCache) Set(ctx context.Context, id string, data []byte) error {
	if err := c.client.Set(ctx, keyPrefix+id, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set assessment %s: %w", id, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, keyPrefix+id).Err()
}

// Nop is used when no Redis URL is configured. Every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (Nop) Set(context.Context, string, []byte) error   { return nil }
func (Nop) Delete(context.Context, string) error        { return nil }
