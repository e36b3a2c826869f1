package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisInProgressValue = "in_progress"
	redisDoneValue       = "done"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// ClaimTTL is how long a completed claim is kept; non-positive uses DefaultClaimTTL.
	ClaimTTL time.Duration
	// InProgressTTL is how long an unfinished claim is kept; non-positive uses DefaultInProgressTTL.
	InProgressTTL time.Duration
	// KeyPrefix namespaces claim keys within a shared Redis database.
	KeyPrefix string
}

// RedisClaimStore is a distributed implementation of ClaimStore using Redis
// SET NX, so concurrent consumers on different instances see each other's claims.
type RedisClaimStore struct {
	redisClient   *redis.Client
	logger        zerolog.Logger
	ttl           time.Duration
	inProgressTTL time.Duration
	prefix        string
}

// NewRedisClaimStore creates and connects a new RedisClaimStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisClaimStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisClaimStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for claim store: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for ClaimStore.")

	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaimStore{
		redisClient:   rdb,
		logger:        logger.With().Str("component", "RedisClaimStore").Logger(),
		ttl:           ttl,
		inProgressTTL: inProgressTTL(cfg.InProgressTTL, ttl),
		prefix:        cfg.KeyPrefix,
	}, nil
}

// Claim sets key in progress only if it does not exist yet. Otherwise the stored
// state is read back; a key that expires between the two calls is claimed again.
func (c *RedisClaimStore) Claim(ctx context.Context, key string) (ClaimState, error) {
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := c.redisClient.SetNX(ctx, c.prefix+key, redisInProgressValue, c.inProgressTTL).Result()
		if err != nil {
			return ClaimInProgress, fmt.Errorf("redis setnx failed for key %s: %w", key, err)
		}
		if claimed {
			return ClaimAcquired, nil
		}

		value, err := c.redisClient.Get(ctx, c.prefix+key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return ClaimInProgress, fmt.Errorf("redis get failed for key %s: %w", key, err)
		}
		c.logger.Debug().Str("key", key).Str("state", value).Msg("Key already claimed.")
		if value == redisDoneValue {
			return ClaimDone, nil
		}
		return ClaimInProgress, nil
	}
	return ClaimInProgress, nil
}

// Complete overwrites the claim as done with the completed-claim TTL.
func (c *RedisClaimStore) Complete(ctx context.Context, key string) error {
	if err := c.redisClient.Set(ctx, c.prefix+key, redisDoneValue, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed for key %s: %w", key, err)
	}
	return nil
}

// Release deletes the claim.
func (c *RedisClaimStore) Release(ctx context.Context, key string) error {
	if err := c.redisClient.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (c *RedisClaimStore) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
