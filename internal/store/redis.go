package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lusky3/underseerr-sub002/internal/crypto"
)

// keyPrefix namespaces relay entries so the token store can share a Redis
// database with the rate limiter.
const keyPrefix = "push:token:"

// Redis is the production Store backed by a Redis key-value namespace.
// Entries carry no TTL: the provider invalidates tokens out-of-band and the
// relay evicts on a rejected send rather than guessing a lifetime.
type Redis struct {
	client *redis.Client
	sealer *crypto.TokenSealer
}

// NewRedis creates a Redis-backed store. sealer may be nil, in which case
// tokens are stored as-is.
func NewRedis(client *redis.Client, sealer *crypto.TokenSealer) *Redis {
	return &Redis{client: client, sealer: sealer}
}

func (r *Redis) Put(ctx context.Context, key, token string) error {
	sealed, err := r.sealer.Seal(token)
	if err != nil {
		return fmt.Errorf("failed to seal token: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+key, sealed, 0).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	sealed, err := r.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token, err := r.sealer.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed token: %w", err)
	}
	return token, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
