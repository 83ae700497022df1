package jwtguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Store is the expiring key/value store behind TokenCache and Blacklist.
//
// Implementations must be safe for concurrent use. Set replaces any previous
// value for the key; a ttl <= 0 stores the value without expiry. Get reports
// found=false for missing and expired keys alike.
type Store interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Fingerprint returns the hex SHA-256 of token. It is stable across processes
// and is what the cache and blacklist key on, so raw tokens never reach a
// store.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
