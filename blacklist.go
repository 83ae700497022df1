package jwtguard

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	blacklistPrefix = "blacklist:"
	foreverMarker   = "forever"
)

// Blacklist records invalidated tokens by jti.
//
// Each entry stores the unix time in milliseconds from which the token counts
// as blacklisted. Tokens retired by a refresh get a grace period so requests
// already carrying them can finish; explicit invalidations take effect
// immediately. Forever entries never expire.
type Blacklist struct {
	store       Store
	gracePeriod time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
}

// NewBlacklist creates a blacklist on store. refreshTTL bounds how long a
// normal entry is kept: once the refresh window of a token has closed it can
// no longer be used or refreshed, so there is nothing left to block.
func NewBlacklist(store Store, gracePeriod, refreshTTL time.Duration) *Blacklist {
	return &Blacklist{
		store:       store,
		gracePeriod: gracePeriod,
		refreshTTL:  refreshTTL,
		now:         time.Now,
	}
}

// Add blacklists the token described by claims until it could no longer be
// refreshed, or forever.
func (b *Blacklist) Add(ctx context.Context, claims Claims, forever bool) error {
	return b.add(ctx, claims, forever, 0)
}

// Retire blacklists a token that a refresh has just replaced. It keeps
// verifying for the grace period. An existing entry is left untouched, so
// concurrent refreshes of the same token cannot extend the grace period.
func (b *Blacklist) Retire(ctx context.Context, claims Claims) error {
	key, err := blacklistKey(claims)
	if err != nil {
		return err
	}
	if _, found, err := b.store.Get(ctx, key); err == nil && found {
		return nil
	}
	return b.add(ctx, claims, false, b.gracePeriod)
}

func (b *Blacklist) add(ctx context.Context, claims Claims, forever bool, grace time.Duration) error {
	key, err := blacklistKey(claims)
	if err != nil {
		return err
	}

	if forever {
		return b.store.Set(ctx, key, foreverMarker, 0)
	}
	if val, found, err := b.store.Get(ctx, key); err == nil && found && val == foreverMarker {
		return nil
	}

	now := b.now()
	validUntil := now.Add(grace)
	ttl := b.entryTTL(claims, now) + grace

	return b.store.Set(ctx, key, strconv.FormatInt(validUntil.UnixMilli(), 10), ttl)
}

// Has reports whether the token described by claims is blacklisted.
func (b *Blacklist) Has(ctx context.Context, claims Claims) (bool, error) {
	key, err := blacklistKey(claims)
	if err != nil {
		return false, err
	}

	val, found, err := b.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if val == foreverMarker {
		return true, nil
	}

	validUntil, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		// unreadable entries fail closed
		return true, nil
	}
	return !b.now().Before(time.UnixMilli(validUntil)), nil
}

// entryTTL keeps the entry until the later of exp and the end of the refresh
// window, plus a minute of slack for clock drift.
func (b *Blacklist) entryTTL(claims Claims, now time.Time) time.Duration {
	until := now
	if exp, ok := claims.Time(ClaimExpiresAt); ok && exp.After(until) {
		until = exp
	}
	if b.refreshTTL > 0 {
		origin, ok := claims.Time(ClaimOriginalIssuedAt)
		if !ok {
			origin, ok = claims.Time(ClaimIssuedAt)
		}
		if ok && origin.Add(b.refreshTTL).After(until) {
			until = origin.Add(b.refreshTTL)
		}
	}
	return until.Sub(now) + time.Minute
}

func blacklistKey(claims Claims) (string, error) {
	jti := claims.ID()
	if jti == "" {
		return "", fmt.Errorf("%w: missing jti claim", ErrTokenInvalid)
	}
	return blacklistPrefix + jti, nil
}
