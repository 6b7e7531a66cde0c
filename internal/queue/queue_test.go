package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrontierFIFO(t *testing.T) {
	f := NewFrontier()
	ctx := context.Background()

	urls := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}
	for _, u := range urls {
		require.NoError(t, f.Push(NewTask(u, KindProduct, 1)))
	}
	assert.Equal(t, 3, f.Size())

	for _, want := range urls {
		task, err := f.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.URL)
		assert.Equal(t, KindProduct, task.Kind)
		assert.NotEmpty(t, task.ID)
	}
	assert.Equal(t, 0, f.Size())
	assert.Equal(t, 3, f.Pending())
}

func TestFrontierClosesWhenDrained(t *testing.T) {
	f := NewFrontier()
	ctx := context.Background()

	require.NoError(t, f.Push(NewTask("https://a.test/seed", KindPagination, 0)))

	seed, err := f.Pop(ctx)
	require.NoError(t, err)

	// Work discovered while the seed is in flight keeps the frontier open.
	require.NoError(t, f.Push(NewTask("https://a.test/p_1", KindProduct, seed.Depth+1)))
	f.Done()
	assert.Equal(t, 1, f.Pending())

	product, err := f.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, product.Depth)
	f.Done()

	_, err = f.Pop(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, f.Push(NewTask("https://a.test/late", KindProduct, 1)), ErrQueueClosed)
}

func TestFrontierBlockedPopWakesOnDrain(t *testing.T) {
	f := NewFrontier()
	require.NoError(t, f.Push(NewTask("https://a.test/seed", KindPagination, 0)))
	_, err := f.Pop(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.Pop(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	f.Done()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after the frontier drained")
	}
}

func TestFrontierPopHonoursContext(t *testing.T) {
	f := NewFrontier()
	require.NoError(t, f.Push(NewTask("https://a.test/seed", KindPagination, 0)))
	_, err := f.Pop(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.Pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFrontierCloseHandsOutQueuedTasks(t *testing.T) {
	f := NewFrontier()
	require.NoError(t, f.Push(NewTask("https://a.test/1", KindProduct, 1)))
	require.NoError(t, f.Close())

	task, err := f.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://a.test/1", task.URL)

	_, err = f.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestFrontierConcurrentWorkers(t *testing.T) {
	f := NewFrontier()
	ctx := context.Background()
	require.NoError(t, f.Push(NewTask("https://a.test/seed", KindPagination, 0)))

	var mu sync.Mutex
	processed := 0

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := f.Pop(ctx)
				if err != nil {
					return
				}
				if task.Kind == KindPagination {
					for i := 0; i < 10; i++ {
						_ = f.Push(NewTask("https://a.test/p", KindProduct, task.Depth+1))
					}
				}
				mu.Lock()
				processed++
				mu.Unlock()
				f.Done()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 11, processed)
	assert.Equal(t, 0, f.Pending())
}
