package service

import (
	"context"
	"strings"
	"time"
)

// AuthAbuseScope separates cooldown state per authentication surface.
type AuthAbuseScope string

const (
	AuthAbuseScopeLogin  AuthAbuseScope = "login"
	AuthAbuseScopeForgot AuthAbuseScope = "forgot"
)

// AuthAbusePolicy is the escalating-cooldown policy applied to
// repeated authentication failures from one identity or address.
type AuthAbusePolicy struct {
	// FreeAttempts fail without any cooldown.
	FreeAttempts int
	// BaseDelay is the first cooldown, doubling (Multiplier) per
	// further failure up to MaxDelay.
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	ResetWindow time.Duration
}

func (p AuthAbusePolicy) withDefaults() AuthAbusePolicy {
	if p.FreeAttempts <= 0 {
		p.FreeAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = 15 * time.Minute
	}
	return p
}

// AuthAbuseGuard throttles authentication failures before the lockout
// state machine engages. The guard is advisory: the store-backed
// lockout remains the authority on account state.
type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error
}

func normalizeAuthIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
