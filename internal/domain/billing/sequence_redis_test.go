package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSeeder struct {
	mu    sync.Mutex
	last  map[string]int
	err   error
	calls int
}

func (s *stubSeeder) LastSequence(_ context.Context, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.last[period], nil
}

func setupTestRedis(t *testing.T, seeder sequenceSeeder) (SequenceAllocator, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisSequenceAllocator(client, seeder), mr
}

func TestRedisSequenceAllocator_Next(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh period starts at one", func(t *testing.T) {
		alloc, mr := setupTestRedis(t, &stubSeeder{})

		n, err := alloc.Next(ctx, "202401")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = alloc.Next(ctx, "202401")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		v, err := mr.Get("billing:seq:202401")
		require.NoError(t, err)
		assert.Equal(t, "2", v)
	})

	t.Run("continues after existing bills", func(t *testing.T) {
		seeder := &stubSeeder{last: map[string]int{"202401": 41}}
		alloc, _ := setupTestRedis(t, seeder)

		n, err := alloc.Next(ctx, "202401")
		require.NoError(t, err)
		assert.Equal(t, 42, n)

		n, err = alloc.Next(ctx, "202401")
		require.NoError(t, err)
		assert.Equal(t, 43, n)
		assert.Equal(t, 1, seeder.calls, "seeder is consulted only for a missing counter")
	})

	t.Run("periods are independent", func(t *testing.T) {
		alloc, _ := setupTestRedis(t, &stubSeeder{last: map[string]int{"202402": 7}})

		a, err := alloc.Next(ctx, "202401")
		require.NoError(t, err)
		b, err := alloc.Next(ctx, "202402")
		require.NoError(t, err)
		assert.Equal(t, 1, a)
		assert.Equal(t, 8, b)
	})

	t.Run("seeder failure", func(t *testing.T) {
		alloc, _ := setupTestRedis(t, &stubSeeder{err: ErrMalformedBillNumber})

		_, err := alloc.Next(ctx, "202401")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedBillNumber))
	})

	t.Run("concurrent callers get distinct values", func(t *testing.T) {
		alloc, _ := setupTestRedis(t, &stubSeeder{last: map[string]int{"202401": 100}})

		const workers = 50
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[int]bool)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := alloc.Next(ctx, "202401")
				assert.NoError(t, err)
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, seen, workers)
		for i := 101; i <= 100+workers; i++ {
			assert.True(t, seen[i], "missing sequence %d", i)
		}
	})
}
