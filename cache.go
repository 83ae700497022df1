package jwtguard

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const refreshCachePrefix = "refresh:"

// TokenCache maps the fingerprint of a token that was refreshed to the token
// that replaced it.
//
// Several in-flight requests carrying the same stale token would otherwise
// each refresh it, and every refresh invalidates the token the previous one
// issued. The first refresh is stored here and the others pick it up instead.
// Entries are written once and left to expire; there is no update in place.
type TokenCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenCache returns a cache on top of store. ttl is the default entry
// lifetime used when Put is called with a zero ttl; it may be zero, in which
// case every Put must supply its own.
func NewTokenCache(store Store, ttl time.Duration) *TokenCache {
	return &TokenCache{
		store:  store,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used to report store failures.
func (c *TokenCache) WithLogger(logger *slog.Logger) *TokenCache {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// TTL returns the default entry lifetime.
func (c *TokenCache) TTL() time.Duration { return c.ttl }

// Get returns the replacement cached for fingerprint. Store failures are
// logged and read as a miss so authentication can fall back to the token the
// caller presented.
func (c *TokenCache) Get(ctx context.Context, fingerprint string) (string, bool) {
	if fingerprint == "" {
		return "", false
	}

	token, found, err := c.store.Get(ctx, refreshCachePrefix+fingerprint)
	if err != nil {
		c.logger.WarnContext(ctx, "refresh cache lookup failed", "err", err)
		return "", false
	}
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// Put stores token as the replacement for fingerprint, overwriting any
// previous entry. A zero ttl selects the cache default.
func (c *TokenCache) Put(ctx context.Context, fingerprint, token string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	if ttl <= 0 {
		return ErrInvalidCacheTTL
	}
	if fingerprint == "" || token == "" {
		return fmt.Errorf("fingerprint and token cannot be empty")
	}

	if err := c.store.Set(ctx, refreshCachePrefix+fingerprint, token, ttl); err != nil {
		return fmt.Errorf("cache refreshed token: %w", err)
	}
	return nil
}

// Forget drops the replacement cached for fingerprint.
func (c *TokenCache) Forget(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	if err := c.store.Delete(ctx, refreshCachePrefix+fingerprint); err != nil {
		return fmt.Errorf("forget refreshed token: %w", err)
	}
	return nil
}
