// Package jwtguard provides JWT-based request authentication for net/http
// services, with transparent refresh of expired tokens.
//
// Features:
// - Per-request Guard resolving the authenticated user from a bearer token
// - Token service for issuing, verifying, refreshing and invalidating tokens
// - Refresh cache so concurrent requests carrying the same stale token share one replacement
// - Blacklist backed by an in-memory or Redis store
// - User providers, including a SQLite implementation with argon2id passwords
// - Middleware that refreshes expired tokens and returns the new one in the Authorization header
package jwtguard
