package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client), mr
}

func TestRedisStore_IssueAndPeek(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", time.Minute))

	code, ok, err := store.Peek(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "123456", code)

	attempts, err := store.Attempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)

	assert.Equal(t, time.Minute, mr.TTL("otp:{a@x.com}"))
	assert.Equal(t, time.Minute, mr.TTL("otp:{a@x.com}:attempts"))
}

func TestRedisStore_IssueReplacesPreviousCode(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "111111", time.Minute))
	_, err := store.IncrementAttempts(ctx, "a@x.com")
	require.NoError(t, err)

	require.NoError(t, store.Issue(ctx, "a@x.com", "222222", time.Minute))

	code, _, err := store.Peek(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", code)

	attempts, err := store.Attempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
}

func TestRedisStore_IssueRejectsNonPositiveTTL(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Issue(context.Background(), "a@x.com", "123456", 0)
	assert.Error(t, err)
}

func TestRedisStore_EntryExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, ok, err := store.Peek(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, ok)

	attempts, err := store.Attempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, attempts)
}

func TestRedisStore_IncrementAttempts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", time.Minute))

	n, err := store.IncrementAttempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.IncrementAttempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRedisStore_IncrementAttemptsOnExpiredCodeIsNoop(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrementAttempts(ctx, "ghost@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, mr.Exists("otp:{ghost@x.com}:attempts"))
}

func TestRedisStore_IncrementAttemptsConcurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", time.Minute))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementAttempts(ctx, "a@x.com")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	attempts, err := store.Attempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, n, attempts)
}

func TestRedisStore_ReserveAttempt(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.ReserveAttempt(ctx, "a@x.com", 2)
	assert.ErrorIs(t, err, ErrNoActiveCode)

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", time.Minute))

	n, err := store.ReserveAttempt(ctx, "a@x.com", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.ReserveAttempt(ctx, "a@x.com", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.ReserveAttempt(ctx, "a@x.com", 2)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	attempts, err := store.Attempts(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, mr.TTL("otp:{a@x.com}:attempts") > 0)
}

func TestRedisStore_ReserveAttemptConcurrentNeverExceedsLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", time.Minute))

	const workers = 30
	const limit = 5
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ReserveAttempt(ctx, "a@x.com", limit); err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, reserved)
}

func TestRedisStore_ClearIsIdempotent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Issue(ctx, "a@x.com", "123456", time.Minute))
	require.NoError(t, store.Clear(ctx, "a@x.com"))
	require.NoError(t, store.Clear(ctx, "a@x.com"))

	assert.False(t, mr.Exists("otp:{a@x.com}"))
	assert.False(t, mr.Exists("otp:{a@x.com}:attempts"))
}
