package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAuthAbuseGuard keeps failure counters and cooldown deadlines in
// Redis hashes so the policy holds across processes.
type RedisAuthAbuseGuard struct {
	client *redis.Client
	prefix string
	policy AuthAbusePolicy
}

func NewRedisAuthAbuseGuard(client *redis.Client, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	return &RedisAuthAbuseGuard{
		client: client,
		prefix: prefix,
		policy: policy.withDefaults(),
	}
}

type abuseState struct {
	failures      int64
	lastFailure   time.Time
	cooldownUntil time.Time
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, kind, subject string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, kind, subject)
}

func (g *RedisAuthAbuseGuard) subjects(scope AuthAbuseScope, identity, ip string) []string {
	var keys []string
	if identity != "" {
		keys = append(keys, g.stateKey(scope, "id", normalizeAuthIdentity(identity)))
	}
	if ip != "" {
		keys = append(keys, g.stateKey(scope, "ip", ip))
	}
	return keys
}

// Check returns the remaining cooldown across the identity and address
// dimensions, zero when no cooldown is active.
func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	var longest time.Duration
	now := time.Now()
	for _, key := range g.subjects(scope, identity, ip) {
		state, err := g.load(ctx, key)
		if err != nil {
			return 0, err
		}
		if state == nil {
			continue
		}
		if remaining := state.cooldownUntil.Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

// RegisterFailure records one failure for both dimensions and returns
// the cooldown now in force.
func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	var longest time.Duration
	now := time.Now()
	for _, key := range g.subjects(scope, identity, ip) {
		state, err := g.load(ctx, key)
		if err != nil {
			return 0, err
		}
		failures := int64(1)
		if state != nil && now.Sub(state.lastFailure) < g.policy.ResetWindow {
			failures = state.failures + 1
		}
		cooldown := g.cooldownFor(failures)
		next := abuseState{
			failures:      failures,
			lastFailure:   now,
			cooldownUntil: now.Add(cooldown),
		}
		if err := g.store(ctx, key, next); err != nil {
			return 0, err
		}
		if cooldown > longest {
			longest = cooldown
		}
	}
	return longest, nil
}

// Reset clears both dimensions after a successful authentication.
func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	keys := g.subjects(scope, identity, ip)
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

func (g *RedisAuthAbuseGuard) cooldownFor(failures int64) time.Duration {
	over := failures - int64(g.policy.FreeAttempts)
	if over <= 0 {
		return 0
	}
	cooldown := time.Duration(float64(g.policy.BaseDelay) * math.Pow(g.policy.Multiplier, float64(over-1)))
	if cooldown > g.policy.MaxDelay {
		cooldown = g.policy.MaxDelay
	}
	return cooldown
}

func (g *RedisAuthAbuseGuard) load(ctx context.Context, key string) (*abuseState, error) {
	values, err := g.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load abuse state %s: %w", key, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	failures, err := strconv.ParseInt(values["failures"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse abuse state %s failures: %w", key, err)
	}
	lastMs, err := strconv.ParseInt(values["last_failure_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse abuse state %s last_failure_ms: %w", key, err)
	}
	untilMs, err := strconv.ParseInt(values["cooldown_until_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse abuse state %s cooldown_until_ms: %w", key, err)
	}
	return &abuseState{
		failures:      failures,
		lastFailure:   time.UnixMilli(lastMs),
		cooldownUntil: time.UnixMilli(untilMs),
	}, nil
}

func (g *RedisAuthAbuseGuard) store(ctx context.Context, key string, state abuseState) error {
	pipe := g.client.TxPipeline()
	pipe.HSet(ctx, key,
		"failures", state.failures,
		"last_failure_ms", state.lastFailure.UnixMilli(),
		"cooldown_until_ms", state.cooldownUntil.UnixMilli(),
	)
	pipe.Expire(ctx, key, g.policy.ResetWindow+g.policy.MaxDelay)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store abuse state %s: %w", key, err)
	}
	return nil
}
