package jwtguard

import (
	"context"
	"net/http"
	"strings"
)

// TokenService issues, verifies, refreshes and invalidates tokens. The guard
// depends only on this interface; JWTService is the bundled implementation.
//
// Verify and Refresh report failures with ErrTokenInvalid, ErrTokenExpired
// and ErrTokenBlacklisted (possibly wrapped). Refresh accepts expired tokens
// and fails with ErrTokenExpired only when the token can no longer be
// refreshed.
type TokenService interface {
	// ExtractToken returns the token carried by r, if any.
	ExtractToken(r *http.Request) (string, bool)
	// Verify checks token and returns its claims.
	Verify(ctx context.Context, token string) (Claims, error)
	// Refresh exchanges token for a new one.
	Refresh(ctx context.Context, token string, forceForever, resetClaims bool) (string, error)
	// Invalidate blacklists token, permanently when forceForever is set.
	Invalidate(ctx context.Context, token string, forceForever bool) error
	// Issue mints a token for claims, which must hold a subject.
	Issue(ctx context.Context, claims Claims) (string, error)
}

// AuthorizationHeader is the only header tokens are read from and written to.
const AuthorizationHeader = "Authorization"

const bearerScheme = "bearer"

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// ExtractBearerToken reads the bearer token from the Authorization header of r.
func ExtractBearerToken(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	return BearerToken(r.Header.Get(AuthorizationHeader))
}

func bearerHeaderValue(token string) string {
	return "Bearer " + token
}
