package jwtguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Guard authenticates a single request.
//
// The current user is resolved lazily on first use and memoized: later calls
// return the same result without verifying the token again. Binding a new
// token (SetToken, Login, Refresh) or invalidating the current one discards
// the memo.
//
// A Guard belongs to one request and must not be shared between goroutines;
// the Authenticator that creates guards is the shared, concurrent-safe part.
type Guard struct {
	tokens     TokenService
	cache      *TokenCache
	provider   UserProvider
	resolver   *UserResolver
	config     GuardConfig
	logger     *slog.Logger
	request    *http.Request
	token      string
	tokenSet   bool
	resolved   bool
	user       Authenticatable
	err        error
	lookedUp   string // token the cache was last consulted for
	substitute string // replacement found for lookedUp

	refreshedFrom string // token this guard refreshed
	refreshedTo   string // replacement it produced
}

func newGuard(a *Authenticator, r *http.Request) *Guard {
	return &Guard{
		tokens:   a.tokens,
		cache:    a.cache,
		provider: a.config.Provider,
		resolver: NewUserResolver(a.config.Provider),
		config:   a.config,
		logger:   a.logger,
		request:  r,
	}
}

// User returns the authenticated user, or nil. Missing, invalid, expired and
// blacklisted tokens all yield nil; use Authenticate to learn why.
func (g *Guard) User(ctx context.Context) Authenticatable {
	g.resolve(ctx)
	return g.user
}

// Authenticate resolves the user like User but reports why there is none.
func (g *Guard) Authenticate(ctx context.Context) (Authenticatable, error) {
	g.resolve(ctx)
	if g.err != nil {
		return nil, g.err
	}
	return g.user, nil
}

// Check reports whether the request is authenticated.
func (g *Guard) Check(ctx context.Context) bool { return g.User(ctx) != nil }

// Guest reports whether the request is not authenticated.
func (g *Guard) Guest(ctx context.Context) bool { return !g.Check(ctx) }

// ID returns the identifier of the authenticated user.
func (g *Guard) ID(ctx context.Context) (string, bool) {
	user := g.User(ctx)
	if user == nil {
		return "", false
	}
	return user.AuthIdentifier(), true
}

// HasUser reports whether a user has been resolved or logged in, without
// resolving one.
func (g *Guard) HasUser() bool { return g.resolved && g.user != nil }

func (g *Guard) resolve(ctx context.Context) {
	if g.resolved {
		return
	}
	g.resolved = true

	token, ok := g.activeToken(ctx)
	if !ok {
		g.err = ErrTokenNotProvided
		return
	}

	claims, err := g.tokens.Verify(ctx, token)
	if err != nil {
		g.err = err
		return
	}

	user, err := g.resolver.Resolve(ctx, claims)
	if err != nil {
		g.err = err
		return
	}
	g.user = user
}

// activeToken returns the token authentication runs against: the bound or
// presented token, or the replacement cached for it by an earlier refresh.
func (g *Guard) activeToken(ctx context.Context) (string, bool) {
	token, ok := g.Token()
	if !ok {
		return "", false
	}

	if g.lookedUp != token {
		g.lookedUp = token
		g.substitute = ""
		if replacement, hit := g.cache.Get(ctx, Fingerprint(token)); hit {
			g.logger.DebugContext(ctx, "using cached replacement for refreshed token")
			g.substitute = replacement
		}
	}
	if g.substitute != "" {
		return g.substitute, true
	}
	return token, true
}

// Substituted returns the cached replacement the guard authenticated with in
// place of the presented token, if any.
func (g *Guard) Substituted() (string, bool) {
	if g.substitute == "" {
		return "", false
	}
	return g.substitute, true
}

// Login issues a token for claims, binds it and makes its subject the current
// user. With a provider the user is looked up by sub and the token tagged with
// the provider's model identity; without one the user is built from claims.
func (g *Guard) Login(ctx context.Context, claims Claims) (string, error) {
	return g.login(ctx, claims, nil)
}

// LoginByID logs in the user with the given identifier.
func (g *Guard) LoginByID(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrMissingSubject
	}
	if g.provider == nil {
		return g.Login(ctx, Claims{ClaimSubject: id})
	}

	user, err := retrieveUser(ctx, g.provider, id)
	if err != nil {
		return "", err
	}
	return g.LoginUser(ctx, user)
}

// LoginUser logs in user, carrying its custom claims into the token.
func (g *Guard) LoginUser(ctx context.Context, user Authenticatable) (string, error) {
	if user == nil {
		return "", ErrUserNotFound
	}

	claims := Claims{}
	if cs, ok := user.(ClaimsSubject); ok {
		for k, v := range cs.CustomClaims() {
			claims[k] = v
		}
	}
	claims[ClaimSubject] = user.AuthIdentifier()
	return g.login(ctx, claims, user)
}

func (g *Guard) login(ctx context.Context, claims Claims, user Authenticatable) (string, error) {
	sub, ok := claims.Subject()
	if !ok {
		return "", ErrMissingSubject
	}
	claims = claims.Clone()

	if g.provider != nil {
		if user == nil {
			var err error
			if user, err = retrieveUser(ctx, g.provider, sub); err != nil {
				return "", err
			}
		}
		if prv, ok := modelFingerprint(g.provider); ok {
			claims[ClaimProvider] = prv
		}
	} else if user == nil {
		var err error
		if user, err = UserFromClaims(claims); err != nil {
			return "", err
		}
	}

	token, err := g.tokens.Issue(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	g.bind(token)
	g.resolved = true
	g.user = user
	return token, nil
}

// Attempt logs in the user matching credentials and returns the new token.
// It fails with ErrInvalidCredentials when no user matches.
func (g *Guard) Attempt(ctx context.Context, credentials Credentials) (string, error) {
	if g.provider == nil {
		return "", ErrNoUserProvider
	}

	user, err := g.provider.RetrieveByCredentials(ctx, credentials)
	if errors.Is(err, ErrUserNotFound) || (err == nil && user == nil) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("retrieve user by credentials: %w", err)
	}

	valid, err := g.provider.ValidateCredentials(ctx, user, credentials)
	if err != nil {
		return "", fmt.Errorf("validate credentials: %w", err)
	}
	if !valid {
		return "", ErrInvalidCredentials
	}
	return g.LoginUser(ctx, user)
}

// Validate reports whether credentials match a user and logs that user in.
// Unknown users and wrong passwords return false with a nil error.
func (g *Guard) Validate(ctx context.Context, credentials Credentials) (bool, error) {
	_, err := g.Attempt(ctx, credentials)
	if errors.Is(err, ErrInvalidCredentials) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Logout invalidates the current token and forgets the user. The token is
// blacklisted permanently when forceForever or the LogoutForever setting is
// set. Without a token Logout does nothing.
func (g *Guard) Logout(ctx context.Context, forceForever bool) error {
	forever := forceForever || g.config.LogoutForever

	if token, ok := g.activeToken(ctx); ok {
		if err := g.invalidate(ctx, token, forever); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
	}

	g.bind("")
	return nil
}

// invalidate blacklists token. When token replaced the one presented with
// the request, the presented token is blacklisted as well and its cache entry
// dropped, so neither the stale token nor its replacement can be used again.
func (g *Guard) invalidate(ctx context.Context, token string, forever bool) error {
	if err := g.tokens.Invalidate(ctx, token, forever); err != nil {
		return err
	}

	if prev, ok := g.predecessor(token); ok {
		if err := g.tokens.Invalidate(ctx, prev, forever); err != nil {
			g.logger.WarnContext(ctx, "failed to invalidate replaced token", "err", err)
		}
		if err := g.cache.Forget(ctx, Fingerprint(prev)); err != nil {
			g.logger.WarnContext(ctx, "failed to drop cached replacement", "err", err)
		}
	}
	g.refreshedFrom, g.refreshedTo = "", ""
	return nil
}

// predecessor returns the token that token replaced for this request.
func (g *Guard) predecessor(token string) (string, bool) {
	switch {
	case g.substitute != "" && token == g.substitute:
		return g.lookedUp, true
	case g.refreshedTo != "" && token == g.refreshedTo:
		return g.refreshedFrom, true
	}
	return "", false
}

// Refresh exchanges the current token for a new one, binds it and returns it.
//
// When another request already refreshed the same token, the replacement it
// cached is returned and the token service is not called. Calling Refresh
// again on the same guard returns the same replacement.
func (g *Guard) Refresh(ctx context.Context, forceForever, resetClaims bool) (string, error) {
	token, err := g.RequireToken()
	if err != nil {
		return "", err
	}
	if g.refreshedTo != "" && token == g.refreshedTo {
		return g.refreshedTo, nil
	}
	fingerprint := Fingerprint(token)

	if cached, ok := g.cache.Get(ctx, fingerprint); ok {
		g.logger.DebugContext(ctx, "refresh served from cache")
		g.rebind(token, cached)
		return cached, nil
	}

	refreshed, err := g.tokens.Refresh(ctx, token, forceForever, resetClaims)
	if err != nil {
		// a concurrent request may have refreshed it first
		if cached, ok := g.cache.Get(ctx, fingerprint); ok {
			g.logger.DebugContext(ctx, "refresh served from cache after failure", "err", err)
			g.rebind(token, cached)
			return cached, nil
		}
		return "", err
	}

	if err := g.cache.Put(ctx, fingerprint, refreshed, g.config.CacheTTL); err != nil {
		g.logger.WarnContext(ctx, "failed to cache refreshed token", "err", err)
	}
	if g.config.OnRefresh != nil {
		event := RefreshEvent{OldToken: token, NewToken: refreshed}
		if err := g.config.OnRefresh(ctx, event); err != nil {
			g.logger.WarnContext(ctx, "refresh hook failed", "err", err)
		}
	}

	g.rebind(token, refreshed)
	return refreshed, nil
}

// Invalidate blacklists the current token. Unlike Logout it fails with
// ErrMissingToken when there is no token.
func (g *Guard) Invalidate(ctx context.Context, forceForever bool) error {
	if _, err := g.RequireToken(); err != nil {
		return err
	}

	token, _ := g.activeToken(ctx)
	if err := g.invalidate(ctx, token, forceForever); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	g.reset()
	return nil
}

// Claims returns the verified claims of the current token.
func (g *Guard) Claims(ctx context.Context) (Claims, error) {
	if _, err := g.RequireToken(); err != nil {
		return nil, err
	}
	token, _ := g.activeToken(ctx)
	return g.tokens.Verify(ctx, token)
}

// Token returns the bound token, or the one presented with the request.
func (g *Guard) Token() (string, bool) {
	if g.tokenSet {
		return g.token, g.token != ""
	}
	if g.request == nil {
		return "", false
	}
	return g.tokens.ExtractToken(g.request)
}

// RequireToken returns the current token or ErrMissingToken.
func (g *Guard) RequireToken() (string, error) {
	token, ok := g.Token()
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// SetToken binds the guard to token, independent of the request.
func (g *Guard) SetToken(token string) *Guard {
	g.bind(token)
	return g
}

// SetRequest replaces the request tokens are read from.
func (g *Guard) SetRequest(r *http.Request) *Guard {
	g.request = r
	g.reset()
	return g
}

// SetProvider replaces the user provider.
func (g *Guard) SetProvider(provider UserProvider) *Guard {
	g.provider = provider
	g.resolver = NewUserResolver(provider)
	g.reset()
	return g
}

// Provider returns the user provider, which may be nil.
func (g *Guard) Provider() UserProvider { return g.provider }

func (g *Guard) bind(token string) {
	g.token, g.tokenSet = token, true
	g.reset()
}

// rebind binds replacement and remembers which token it replaced.
func (g *Guard) rebind(presented, replacement string) {
	g.bind(replacement)
	g.refreshedFrom, g.refreshedTo = presented, replacement
}

func (g *Guard) reset() {
	g.resolved = false
	g.user = nil
	g.err = nil
	g.lookedUp = ""
	g.substitute = ""
}
