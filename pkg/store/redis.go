package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gotrafficml:artifact:"

// RedisStore keeps artifacts in Redis so several evaluation runs can share
// trained quantizers and generators.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore connects to Redis and verifies the connection.
//
// ttl of zero stores artifacts without expiration.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl < 0 {
		return nil, errors.New("redis ttl must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Put stores data under "gotrafficml:artifact:{name}".
func (r *RedisStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return errors.New("redis store is closed")
	}

	if err := r.client.Set(ctx, redisKeyPrefix+name, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store artifact in redis: %w", err)
	}
	return nil
}

// Get retrieves the artifact stored under name.
func (r *RedisStore) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, false, errors.New("redis store is closed")
	}

	data, err := r.client.Get(ctx, redisKeyPrefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get artifact from redis: %w", err)
	}
	return data, true, nil
}

// Close closes the Redis client. It is safe to call multiple times.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
