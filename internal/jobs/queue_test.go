package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/ringforge/internal/domain"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(3)
	require.NoError(t, q.TryPush("a"))
	require.NoError(t, q.TryPush("b"))
	require.NoError(t, q.TryPush("c"))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPush("a"))
	assert.ErrorIs(t, q.TryPush("b"), domain.ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestQueueRemoveSkipsID(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.TryPush("a"))
	require.NoError(t, q.TryPush("b"))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	// stale token left by "a" must not produce a phantom id
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueRemoveFreesCapacity(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryPush("a"))
	q.Remove("a")
	require.NoError(t, q.TryPush("b"))

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(1)
	got := make(chan string, 1)
	go func() {
		id, _ := q.Pop(context.Background())
		got <- id
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.TryPush("late"))

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after push")
	}
}
