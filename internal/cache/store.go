// Package cache holds short-lived adapter responses such as quotes.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes a cached value into out. A corrupt entry counts as a miss.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	if s == nil {
		return false, nil
	}
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}
