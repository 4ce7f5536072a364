// Package lock provides short leases used to keep replicas from firing the
// same strategy twice.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock: not held")

// StrategyKey is the lease held while an execution is being started for a
// strategy, by the scheduler or by hand.
func StrategyKey(strategyID string) string {
	return "strategy:" + strategyID
}

// Locker hands out leases. Acquire returns ok=false when another holder has
// the key; the returned token must be passed to Release.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

func newToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

type RedisLocker struct {
	Client *redis.Client
	Prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{Client: client, Prefix: prefix}
}

// Deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	ok, err := l.Client.SetNX(ctx, l.Prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.Client, []string{l.Prefix + key}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

type lease struct {
	token   string
	expires time.Time
}

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]lease{}, now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	token := newToken()
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || cur.token != token {
		return ErrNotHeld
	}
	delete(l.leases, key)
	return nil
}
