package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChallengeCache stores one-time upload challenges keyed by lower-cased
// address, with TTL eviction. Take is a destructive read: a challenge
// authorizes at most one upload, and GETDEL keeps that single-use guarantee
// even when multiple service instances share the cache.
type ChallengeCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewChallengeCache initializes a Redis-backed challenge cache.
func NewChallengeCache(addr, password string, db int, ttl time.Duration) (*ChallengeCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &ChallengeCache{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *ChallengeCache) Close() error {
	return c.client.Close()
}

// Put stores the challenge for the address, replacing any previous one.
func (c *ChallengeCache) Put(ctx context.Context, address, message string) error {
	ctx, span := tracer.Start(ctx, "redis.put_challenge",
		trace.WithAttributes(attribute.String("address", address)),
	)
	defer span.End()

	if err := c.client.Set(ctx, challengeKey(address), message, c.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	span.SetAttributes(attribute.Int64("ttl_seconds", int64(c.ttl.Seconds())))
	return nil
}

// Take removes and returns the challenge for the address. The boolean is
// false when no challenge exists (never issued, expired, or already used).
func (c *ChallengeCache) Take(ctx context.Context, address string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "redis.take_challenge",
		trace.WithAttributes(attribute.String("address", address)),
	)
	defer span.End()

	message, err := c.client.GetDel(ctx, challengeKey(address)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("found", false))
		return "", false, nil
	}
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("failed to take challenge: %w", err)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return message, true, nil
}

func challengeKey(address string) string {
	return "challenge:" + strings.ToLower(address)
}
