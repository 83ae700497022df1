package jwtguard

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Registered claim names. Everything else in a token is a custom claim.
const (
	ClaimSubject          = "sub"
	ClaimID               = "jti"
	ClaimIssuedAt         = "iat"
	ClaimExpiresAt        = "exp"
	ClaimNotBefore        = "nbf"
	ClaimIssuer           = "iss"
	ClaimOriginalIssuedAt = "oiat" // first issue time, kept across refreshes
	ClaimProvider         = "prv"  // fingerprint of the user model identity
)

var reservedClaims = map[string]struct{}{
	ClaimSubject:          {},
	ClaimID:               {},
	ClaimIssuedAt:         {},
	ClaimExpiresAt:        {},
	ClaimNotBefore:        {},
	ClaimIssuer:           {},
	ClaimOriginalIssuedAt: {},
	ClaimProvider:         {},
}

// Claims is the decoded claim set of a token.
//
// Values keep the types produced by JSON decoding (numbers are float64) when
// they come from a verified token, and whatever the caller put in otherwise.
type Claims map[string]any

// IsReservedClaim reports whether name is managed by the token service.
func IsReservedClaim(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// Subject returns the sub claim as a string.
func (c Claims) Subject() (string, bool) {
	v, ok := c[ClaimSubject]
	if !ok || v == nil {
		return "", false
	}
	s := stringify(v)
	return s, s != ""
}

// ID returns the jti claim.
func (c Claims) ID() string {
	s, _ := c[ClaimID].(string)
	return s
}

// Time returns a NumericDate claim such as exp or iat.
func (c Claims) Time(name string) (time.Time, bool) {
	switch v := c[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0), true
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
}

// String returns a custom claim as a string, or "" when absent.
func (c Claims) String(name string) string {
	v, ok := c[name]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Bool returns a custom claim as a bool. Numbers are true when non-zero and
// strings are parsed with strconv.ParseBool.
func (c Claims) Bool(name string) bool {
	switch v := c[name].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Custom returns a copy holding only the non-reserved claims.
func (c Claims) Custom() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		if !IsReservedClaim(k) {
			out[k] = v
		}
	}
	return out
}

// Clone returns a shallow copy of c.
func (c Claims) Clone() Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case uint64:
		return strconv.FormatUint(s, 10)
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
