package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNoActiveCode is returned when no code exists for the email, either
	// because none was issued or because it expired.
	ErrNoActiveCode = errors.New("no active otp")
	// ErrAttemptsExhausted is returned once the attempt ceiling is reached.
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
)

// Store keeps one OTP code and its mismatch counter per email. Both entries
// expire on their own.
type Store interface {
	Issue(ctx context.Context, email, code string, ttl time.Duration) error
	Peek(ctx context.Context, email string) (string, bool, error)
	Attempts(ctx context.Context, email string) (int, error)
	IncrementAttempts(ctx context.Context, email string) (int, error)
	ReserveAttempt(ctx context.Context, email string, limit int) (int, error)
	Clear(ctx context.Context, email string) error
}

// incrementScript bumps the counter only while the code still exists, so an
// expired entry never comes back as a bare counter.
// KEYS[1] code key, KEYS[2] attempts key.
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local n = redis.call("INCR", KEYS[2])
if redis.call("PTTL", KEYS[2]) < 0 then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl > 0 then
		redis.call("PEXPIRE", KEYS[2], ttl)
	end
end
return n
`)

// reserveScript checks the ceiling and counts the attempt in one step.
// Returns -1 when the code is gone, -2 when the ceiling is reached, otherwise
// the new attempt count.
// KEYS[1] code key, KEYS[2] attempts key, ARGV[1] limit.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local attempts = tonumber(redis.call("GET", KEYS[2]) or "0")
if attempts >= tonumber(ARGV[1]) then
	return -2
end
local n = redis.call("INCR", KEYS[2])
if redis.call("PTTL", KEYS[2]) < 0 then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl > 0 then
		redis.call("PEXPIRE", KEYS[2], ttl)
	end
end
return n
`)

// RedisStore is the Redis implementation of Store
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// getCodeKey generates the Redis key holding the code.
// The braces keep both keys of one email in the same cluster slot.
func getCodeKey(email string) string {
	return fmt.Sprintf("otp:{%s}", email)
}

// getAttemptsKey generates the Redis key holding the mismatch counter
func getAttemptsKey(email string) string {
	return fmt.Sprintf("otp:{%s}:attempts", email)
}

// Issue stores code and resets the counter to zero, replacing any previous code
func (s *RedisStore) Issue(ctx context.Context, email, code string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("otp ttl must be positive, got %s", ttl)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getCodeKey(email), code, ttl)
		pipe.Set(ctx, getAttemptsKey(email), 0, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}

	return nil
}

// Peek returns the stored code without touching the counter
func (s *RedisStore) Peek(ctx context.Context, email string) (string, bool, error) {
	code, err := s.client.Get(ctx, getCodeKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read otp: %w", err)
	}

	return code, true, nil
}

// Attempts returns the mismatch count; a missing counter counts as zero
func (s *RedisStore) Attempts(ctx context.Context, email string) (int, error) {
	n, err := s.client.Get(ctx, getAttemptsKey(email)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read otp attempts: %w", err)
	}

	return n, nil
}

// IncrementAttempts atomically adds one to the counter and returns the new
// value. It does nothing and returns 0 when the code has already expired.
func (s *RedisStore) IncrementAttempts(ctx context.Context, email string) (int, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{getCodeKey(email), getAttemptsKey(email)}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment otp attempts: %w", err)
	}

	return n, nil
}

// ReserveAttempt counts one verification attempt if fewer than limit were made.
// Returns ErrNoActiveCode when the code is gone and ErrAttemptsExhausted when
// the ceiling is reached; neither case changes the counter.
func (s *RedisStore) ReserveAttempt(ctx context.Context, email string, limit int) (int, error) {
	n, err := reserveScript.Run(ctx, s.client, []string{getCodeKey(email), getAttemptsKey(email)}, limit).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve otp attempt: %w", err)
	}

	switch n {
	case -1:
		return 0, ErrNoActiveCode
	case -2:
		return limit, ErrAttemptsExhausted
	}

	return n, nil
}

// Clear removes the code and its counter. Clearing a missing entry is not an error.
func (s *RedisStore) Clear(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, getCodeKey(email), getAttemptsKey(email)).Err(); err != nil {
		return fmt.Errorf("failed to clear otp: %w", err)
	}

	return nil
}
