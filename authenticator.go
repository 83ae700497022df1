package jwtguard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RefreshEvent describes a token rotation performed by Guard.Refresh.
type RefreshEvent struct {
	OldToken string
	NewToken string
}

// RefreshHook is called after a token has been refreshed through the token
// service. Hook failures are logged and do not fail the refresh.
type RefreshHook func(ctx context.Context, event RefreshEvent) error

// GuardConfig configures the guards an Authenticator creates.
type GuardConfig struct {
	// CacheTTL is how long a refreshed token stays cached for requests still
	// presenting the token it replaced. Zero selects the cache's default.
	CacheTTL time.Duration
	// LogoutForever blacklists tokens permanently on every logout.
	LogoutForever bool
	// Provider looks up users by subject. When nil, users are built from
	// token claims.
	Provider UserProvider
	// OnRefresh is an optional hook run after each refresh.
	OnRefresh RefreshHook
	Logger    *slog.Logger
}

// Authenticator holds what guards share across requests and creates one
// Guard per request. It is safe for concurrent use.
type Authenticator struct {
	tokens TokenService
	cache  *TokenCache
	config GuardConfig
	logger *slog.Logger
}

// NewAuthenticator returns an Authenticator using tokens to verify and rotate
// tokens and cache to coalesce refreshes.
func NewAuthenticator(tokens TokenService, cache *TokenCache, cfg GuardConfig) (*Authenticator, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("token cache is required")
	}

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = cache.TTL()
	}
	if cfg.CacheTTL <= 0 {
		return nil, ErrInvalidCacheTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Authenticator{
		tokens: tokens,
		cache:  cache,
		config: cfg,
		logger: logger,
	}, nil
}

// Guard returns a new guard reading its token from r. r may be nil for
// callers that bind tokens with SetToken.
func (a *Authenticator) Guard(r *http.Request) *Guard {
	return newGuard(a, r)
}

// Tokens returns the token service.
func (a *Authenticator) Tokens() TokenService { return a.tokens }

// Cache returns the refresh cache.
func (a *Authenticator) Cache() *TokenCache { return a.cache }
