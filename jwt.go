package jwtguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTService implements TokenService with signed JWTs and a Store backed
// blacklist.
//
// Tokens carry the subject and any custom claims, plus jti, iat, nbf, exp and
// oiat. oiat is the time the token chain was first issued; refreshing keeps
// it, so RefreshTTL bounds the whole chain rather than each link.
//
// The returned service is safe for concurrent use by multiple goroutines.
type JWTService struct {
	config    JWTConfig
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	blacklist *Blacklist
	now       func() time.Time
}

var _ TokenService = (*JWTService)(nil)

// NewJWTService validates cfg, loads the signing keys and returns a service.
// store backs the blacklist and may be nil only when BlacklistEnabled is false.
func NewJWTService(cfg JWTConfig, store Store) (*JWTService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	method, err := signingMethodFor(cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	signKey, verifyKey, err := loadKeys(cfg, method)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}

	s := &JWTService{
		config:    cfg,
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		now:       time.Now,
	}

	if cfg.BlacklistEnabled {
		if store == nil {
			return nil, fmt.Errorf("a store is required when the blacklist is enabled")
		}
		s.blacklist = NewBlacklist(store, cfg.BlacklistGracePeriod, cfg.RefreshTTL)
	}

	return s, nil
}

// WithClock replaces the time source of the service and its blacklist.
func (s *JWTService) WithClock(now func() time.Time) *JWTService {
	s.now = now
	if s.blacklist != nil {
		s.blacklist.now = now
	}
	return s
}

// Config returns the configuration the service was built with.
func (s *JWTService) Config() JWTConfig { return s.config }

// ExtractToken reads the bearer token from the Authorization header.
func (s *JWTService) ExtractToken(r *http.Request) (string, bool) {
	return ExtractBearerToken(r)
}

// Issue signs a new token for claims. Reserved claims in the input other than
// sub and prv are replaced.
func (s *JWTService) Issue(ctx context.Context, claims Claims) (string, error) {
	if _, ok := claims.Subject(); !ok {
		return "", ErrMissingSubject
	}
	return s.sign(claims, s.now())
}

// Verify checks signature, expiry, issuer and blacklist and returns the claims.
func (s *JWTService) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := s.parse(token, true)
	if err != nil {
		return nil, err
	}

	if s.blacklist != nil {
		blacklisted, err := s.blacklist.Has(ctx, claims)
		if err != nil {
			return nil, fmt.Errorf("blacklist lookup: %w", err)
		}
		if blacklisted {
			return nil, ErrTokenBlacklisted
		}
	}

	return claims, nil
}

// Refresh issues a successor for token, which may be expired as long as its
// chain is within RefreshTTL. The old token is blacklisted when the blacklist
// is enabled. With resetClaims only sub and prv are carried over; otherwise
// every custom claim is.
func (s *JWTService) Refresh(ctx context.Context, token string, forceForever, resetClaims bool) (string, error) {
	claims, err := s.parse(token, false)
	if err != nil {
		return "", err
	}

	if s.blacklist != nil {
		blacklisted, err := s.blacklist.Has(ctx, claims)
		if err != nil {
			return "", fmt.Errorf("blacklist lookup: %w", err)
		}
		if blacklisted {
			return "", ErrTokenBlacklisted
		}
	}

	origin, ok := claims.Time(ClaimOriginalIssuedAt)
	if !ok {
		origin, ok = claims.Time(ClaimIssuedAt)
	}
	if !ok {
		return "", fmt.Errorf("%w: missing iat claim", ErrTokenInvalid)
	}
	if !s.now().Before(origin.Add(s.config.RefreshTTL)) {
		return "", fmt.Errorf("%w: refresh window closed", ErrTokenExpired)
	}

	if s.blacklist != nil {
		var err error
		if forceForever {
			err = s.blacklist.Add(ctx, claims, true)
		} else {
			err = s.blacklist.Retire(ctx, claims)
		}
		if err != nil {
			return "", fmt.Errorf("blacklist refreshed token: %w", err)
		}
	}

	next := claims.Custom()
	if resetClaims {
		next = Claims{}
	}
	next[ClaimSubject] = claims[ClaimSubject]
	if prv, ok := claims[ClaimProvider]; ok {
		next[ClaimProvider] = prv
	}

	return s.sign(next, origin)
}

// Invalidate blacklists token. Expired tokens can be invalidated too, so they
// cannot be refreshed afterwards.
func (s *JWTService) Invalidate(ctx context.Context, token string, forceForever bool) error {
	if s.blacklist == nil {
		return ErrBlacklistDisabled
	}

	claims, err := s.parse(token, false)
	if err != nil {
		return err
	}
	return s.blacklist.Add(ctx, claims, forceForever)
}

func (s *JWTService) sign(claims Claims, origin time.Time) (string, error) {
	tokenID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := s.now()
	mapClaims := make(jwt.MapClaims, len(claims)+6)
	for k, v := range claims {
		if IsReservedClaim(k) && k != ClaimSubject && k != ClaimProvider {
			continue
		}
		mapClaims[k] = v
	}
	mapClaims[ClaimID] = tokenID.String()
	mapClaims[ClaimIssuedAt] = now.Unix()
	mapClaims[ClaimNotBefore] = now.Unix()
	mapClaims[ClaimExpiresAt] = now.Add(s.config.TTL).Unix()
	mapClaims[ClaimOriginalIssuedAt] = origin.Unix()
	if s.config.Issuer != "" {
		mapClaims[ClaimIssuer] = s.config.Issuer
	}

	signed, err := jwt.NewWithClaims(s.method, mapClaims).SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// parse checks the signature of token and, when validate is set, its time
// based claims and issuer.
func (s *JWTService) parse(token string, validate bool) (Claims, error) {
	if token == "" {
		return nil, ErrTokenNotProvided
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if validate {
		opts = append(opts, jwt.WithExpirationRequired())
		if s.config.Leeway > 0 {
			opts = append(opts, jwt.WithLeeway(s.config.Leeway))
		}
		if s.config.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(s.config.Issuer))
		}
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	parsed, err := jwt.NewParser(opts...).Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrTokenInvalid)
	}

	claims := Claims(mapClaims)
	if _, ok := claims.Subject(); !ok {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, ErrMissingSubject)
	}
	return claims, nil
}
