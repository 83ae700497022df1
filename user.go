package jwtguard

import (
	"context"
	"errors"
	"fmt"
)

// Authenticatable is a principal the guard can hold.
type Authenticatable interface {
	AuthIdentifier() string
}

// ClaimsSubject is implemented by users that contribute custom claims to the
// tokens issued for them.
type ClaimsSubject interface {
	CustomClaims() Claims
}

// Credentials are the fields a user logs in with, typically email and
// password.
type Credentials map[string]string

// UserProvider looks up users. Lookups that find nothing return
// ErrUserNotFound or a nil user with a nil error.
type UserProvider interface {
	RetrieveByID(ctx context.Context, id string) (Authenticatable, error)
	RetrieveByCredentials(ctx context.Context, credentials Credentials) (Authenticatable, error)
	ValidateCredentials(ctx context.Context, user Authenticatable, credentials Credentials) (bool, error)
}

// ModelIdentifier is implemented by providers that tag the tokens they issue
// with the kind of user they serve. Tokens tagged for another kind are
// rejected.
type ModelIdentifier interface {
	ModelIdentity() string
}

// ClaimsUser is a user built from token claims alone, used when no provider
// is configured.
type ClaimsUser struct {
	ID         string
	Name       string
	IsAdmin    bool
	Attributes Claims
}

var (
	_ Authenticatable = (*ClaimsUser)(nil)
	_ ClaimsSubject   = (*ClaimsUser)(nil)
)

func (u *ClaimsUser) AuthIdentifier() string { return u.ID }

// CustomClaims returns the attributes so a re-issued token carries them.
func (u *ClaimsUser) CustomClaims() Claims { return u.Attributes.Clone() }

// UserFromClaims builds a ClaimsUser: sub becomes the ID and every custom
// claim an attribute, with name and is_admin also lifted into their fields.
func UserFromClaims(claims Claims) (*ClaimsUser, error) {
	sub, ok := claims.Subject()
	if !ok {
		return nil, ErrMissingSubject
	}

	attrs := claims.Custom()
	return &ClaimsUser{
		ID:         sub,
		Name:       attrs.String("name"),
		IsAdmin:    attrs.Bool("is_admin"),
		Attributes: attrs,
	}, nil
}

// UserResolver turns verified claims into a user.
type UserResolver struct {
	provider UserProvider
}

// NewUserResolver returns a resolver backed by provider, which may be nil.
func NewUserResolver(provider UserProvider) *UserResolver {
	return &UserResolver{provider: provider}
}

// Resolve returns the user claims identify. Without a provider the user is
// synthesized from the claims; with one, the provider's user for sub is
// returned after checking the token was issued for the provider's model.
func (r *UserResolver) Resolve(ctx context.Context, claims Claims) (Authenticatable, error) {
	sub, ok := claims.Subject()
	if !ok {
		return nil, ErrMissingSubject
	}

	if r.provider == nil {
		return UserFromClaims(claims)
	}

	if !subjectMatches(r.provider, claims) {
		return nil, ErrSubjectMismatch
	}
	return retrieveUser(ctx, r.provider, sub)
}

// subjectMatches compares the prv claim with the provider's model identity.
// Tokens without prv, and providers without an identity, always match.
func subjectMatches(provider UserProvider, claims Claims) bool {
	prv := claims.String(ClaimProvider)
	if prv == "" {
		return true
	}
	identity, ok := modelFingerprint(provider)
	if !ok {
		return true
	}
	return prv == identity
}

func modelFingerprint(provider UserProvider) (string, bool) {
	mi, ok := provider.(ModelIdentifier)
	if !ok || mi.ModelIdentity() == "" {
		return "", false
	}
	return Fingerprint(mi.ModelIdentity()), true
}

func retrieveUser(ctx context.Context, provider UserProvider, id string) (Authenticatable, error) {
	user, err := provider.RetrieveByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve user %q: %w", id, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
