package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_CoalescesRepeatedEnqueues(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = map[string]int{}
		done  = make(chan struct{}, 8)
	)
	p := NewPool(2, 8, func(ctx context.Context, id string) error {
		mu.Lock()
		calls[id]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, nil)

	require.True(t, p.Enqueue("a"))
	require.True(t, p.Enqueue("a"))
	require.True(t, p.Enqueue("a"))
	assert.Equal(t, 1, p.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls["a"])
}

func TestPool_DropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, func(ctx context.Context, id string) error { return nil }, nil)
	assert.True(t, p.Enqueue("a"))
	assert.False(t, p.Enqueue("b"))
	assert.False(t, p.Enqueue(""))
}
