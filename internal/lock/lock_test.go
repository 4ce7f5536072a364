package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	tok, ok, err := l.Acquire(ctx, "strategy:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(ctx, "strategy:1", time.Minute)
	require.False(t, ok, "second acquire must fail while held")

	require.True(t, errors.Is(l.Release(ctx, "strategy:1", "other"), ErrNotHeld))
	require.NoError(t, l.Release(ctx, "strategy:1", tok))

	_, ok, _ = l.Acquire(ctx, "strategy:1", time.Minute)
	require.True(t, ok)
}

func TestMemoryLocker_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	_, ok, _ := l.Acquire(ctx, "k", time.Second)
	require.True(t, ok)
	now = now.Add(2 * time.Second)
	_, ok, _ = l.Acquire(ctx, "k", time.Second)
	require.True(t, ok)
}
