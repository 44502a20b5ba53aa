package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otpauth/otpauth-api/internal/config"
)

// Limiter enforces per-IP request windows and per-email OTP cooldowns in Redis.
// A zero limit or cooldown disables the corresponding check.
type Limiter struct {
	client        *redis.Client
	ipRequests    int
	ipWindow      time.Duration
	emailCooldown time.Duration
}

func NewLimiter(client *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client:        client,
		ipRequests:    cfg.IPRequests,
		ipWindow:      cfg.IPWindow,
		emailCooldown: cfg.EmailCooldown,
	}
}

// getIPKey generates the Redis key for an IP request counter
func getIPKey(ip, purpose string) string {
	return fmt.Sprintf("ratelimit:ip:%s:%s", purpose, ip)
}

// getCooldownKey generates the Redis key for an email cooldown marker
func getCooldownKey(email string) string {
	return fmt.Sprintf("ratelimit:cooldown:%s", email)
}

// CheckIPRateLimitWithPurpose reports whether ip used up its requests for purpose
func (l *Limiter) CheckIPRateLimitWithPurpose(ctx context.Context, ip, purpose string) (bool, error) {
	if l.ipRequests <= 0 {
		return false, nil
	}

	count, err := l.client.Get(ctx, getIPKey(ip, purpose)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read ip counter: %w", err)
	}

	return count >= l.ipRequests, nil
}

// RecordIPRequestWithPurpose counts one request; the window starts with the first one
func (l *Limiter) RecordIPRequestWithPurpose(ctx context.Context, ip, purpose string) error {
	if l.ipRequests <= 0 {
		return nil
	}

	key := getIPKey(ip, purpose)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to record ip request: %w", err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, l.ipWindow).Err(); err != nil {
			return fmt.Errorf("failed to set ip window: %w", err)
		}
	}

	return nil
}

// CheckEmailCooldown reports whether an OTP email went to email too recently
func (l *Limiter) CheckEmailCooldown(ctx context.Context, email string) (bool, error) {
	if l.emailCooldown <= 0 {
		return false, nil
	}

	n, err := l.client.Exists(ctx, getCooldownKey(email)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check email cooldown: %w", err)
	}

	return n > 0, nil
}

// SetEmailCooldown starts the cooldown for email
func (l *Limiter) SetEmailCooldown(ctx context.Context, email string) error {
	if l.emailCooldown <= 0 {
		return nil
	}

	if err := l.client.Set(ctx, getCooldownKey(email), 1, l.emailCooldown).Err(); err != nil {
		return fmt.Errorf("failed to set email cooldown: %w", err)
	}

	return nil
}
