package redis

import (
	"context"
	"fmt"
	"time"

	"tradecore/internal/store"

	goredis "github.com/go-redis/redis/v8"
)

const accessTokenKey = "auth:kite:access_token"

// AccessToken returns the broker access token written by the auth bootstrap.
// ErrAuthRequired when no token is present (never written or expired).
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, accessTokenKey).Result()
	if err == goredis.Nil {
		return "", store.ErrAuthRequired
	}
	if err != nil {
		return "", fmt.Errorf("get access token: %w", store.ErrBackendUnavailable)
	}
	if v == "" {
		return "", store.ErrAuthRequired
	}
	return v, nil
}

// SetAccessToken stores the broker access token. Kite tokens die at the next
// daily session flush, so ttl normally spans until ~7:30 AM IST next day.
func (s *Store) SetAccessToken(ctx context.Context, token string, ttl time.Duration) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, accessTokenKey, token, ttl).Err()
	})
}
