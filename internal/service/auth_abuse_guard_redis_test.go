package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newAbuseGuard(t *testing.T, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAuthAbuseGuard(client, "abuse_test", policy)
}

func TestAbuseGuardEscalatesCooldowns(t *testing.T) {
	ctx := context.Background()
	guard := newAbuseGuard(t, AuthAbusePolicy{
		FreeAttempts: 1,
		BaseDelay:    50 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     500 * time.Millisecond,
		ResetWindow:  time.Second,
	})

	first, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if first != 0 {
		t.Fatalf("first failure should be free, got cooldown %v", first)
	}

	second, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	third, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if second <= 0 || third < second {
		t.Fatalf("cooldowns should escalate: second=%v third=%v", second, third)
	}

	active, err := guard.Check(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if active <= 0 {
		t.Fatalf("expected active cooldown, got %v", active)
	}
}

func TestAbuseGuardIdentityNormalizationAndIsolation(t *testing.T) {
	ctx := context.Background()
	guard := newAbuseGuard(t, AuthAbusePolicy{FreeAttempts: 1, BaseDelay: 100 * time.Millisecond})

	for i := 0; i < 3; i++ {
		if _, err := guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "  Target@Example.COM ", "10.0.0.1"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	// Case and whitespace variants map to the same state.
	cooldown, err := guard.Check(ctx, AuthAbuseScopeLogin, "target@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("check normalized: %v", err)
	}
	if cooldown <= 0 {
		t.Fatal("normalized identity should share cooldown state")
	}

	// A different identity on a different address is untouched.
	other, err := guard.Check(ctx, AuthAbuseScopeLogin, "bystander@example.com", "10.0.0.2")
	if err != nil {
		t.Fatalf("check bystander: %v", err)
	}
	if other != 0 {
		t.Fatalf("unrelated identity has cooldown %v", other)
	}

	// Scopes do not bleed into each other.
	forgot, err := guard.Check(ctx, AuthAbuseScopeForgot, "target@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("check forgot scope: %v", err)
	}
	if forgot != 0 {
		t.Fatalf("login failures leaked into forgot scope: %v", forgot)
	}
}

func TestAbuseGuardResetClearsState(t *testing.T) {
	ctx := context.Background()
	guard := newAbuseGuard(t, AuthAbusePolicy{FreeAttempts: 1, BaseDelay: 100 * time.Millisecond})

	for i := 0; i < 3; i++ {
		guard.RegisterFailure(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1")
	}
	if err := guard.Reset(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	cooldown, err := guard.Check(ctx, AuthAbuseScopeLogin, "a@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("check after reset: %v", err)
	}
	if cooldown != 0 {
		t.Fatalf("expected clean state after reset, got %v", cooldown)
	}
}

func TestAbuseGuardRejectsMalformedState(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	guard := NewRedisAuthAbuseGuard(client, "abuse_test", AuthAbusePolicy{})

	key := guard.stateKey(AuthAbuseScopeForgot, "id", normalizeAuthIdentity("broken@example.com"))
	if err := client.HSet(ctx, key, "last_failure_ms", "bad", "cooldown_until_ms", "worse").Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := guard.Check(ctx, AuthAbuseScopeForgot, "broken@example.com", ""); err == nil {
		t.Fatal("expected error for unparseable state")
	}
}
