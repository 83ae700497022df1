package jwtguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DefaultUserModel is the model identity SQLUserProvider tags tokens with.
const DefaultUserModel = "users"

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin      INTEGER NOT NULL DEFAULT 0
);`

// SQLUser is a row of the users table.
type SQLUser struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	IsAdmin      bool
}

var (
	_ Authenticatable = (*SQLUser)(nil)
	_ ClaimsSubject   = (*SQLUser)(nil)
)

func (u *SQLUser) AuthIdentifier() string { return u.ID }

// CustomClaims exposes the profile fields to issued tokens. The password
// hash is never included.
func (u *SQLUser) CustomClaims() Claims {
	return Claims{
		"name":     u.Name,
		"email":    u.Email,
		"is_admin": u.IsAdmin,
	}
}

// SQLUserProvider is a UserProvider over a SQLite users table. Users log in
// with the "email" and "password" credentials.
type SQLUserProvider struct {
	db    *sql.DB
	model string
}

var (
	_ UserProvider    = (*SQLUserProvider)(nil)
	_ ModelIdentifier = (*SQLUserProvider)(nil)
)

// OpenSQLUserProvider opens the SQLite database at path, creating the users
// table if needed. Use ":memory:" for a throwaway database.
func OpenSQLUserProvider(ctx context.Context, path string) (*SQLUserProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	p := NewSQLUserProvider(db)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLUserProvider wraps an open database. Call EnsureSchema before use on
// a fresh database.
func NewSQLUserProvider(db *sql.DB) *SQLUserProvider {
	return &SQLUserProvider{db: db, model: DefaultUserModel}
}

// EnsureSchema creates the users table if it does not exist.
func (p *SQLUserProvider) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, usersSchema); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

// ModelIdentity returns the table name.
func (p *SQLUserProvider) ModelIdentity() string { return p.model }

// CreateUser inserts a user with the given password.
func (p *SQLUserProvider) CreateUser(ctx context.Context, user SQLUser, password string) (*SQLUser, error) {
	if user.ID == "" || user.Email == "" {
		return nil, fmt.Errorf("user id and email are required")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = hash

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, is_admin) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.IsAdmin,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &user, nil
}

// RetrieveByID returns the user with id, or ErrUserNotFound.
func (p *SQLUserProvider) RetrieveByID(ctx context.Context, id string) (Authenticatable, error) {
	u, err := p.queryUser(ctx, `SELECT id, name, email, password_hash, is_admin FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// RetrieveByCredentials returns the user whose email matches, or
// ErrUserNotFound.
func (p *SQLUserProvider) RetrieveByCredentials(ctx context.Context, credentials Credentials) (Authenticatable, error) {
	email := strings.TrimSpace(credentials["email"])
	if email == "" {
		return nil, ErrUserNotFound
	}
	u, err := p.queryUser(ctx, `SELECT id, name, email, password_hash, is_admin FROM users WHERE email = ?`, email)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ValidateCredentials checks the password credential against the stored hash.
func (p *SQLUserProvider) ValidateCredentials(ctx context.Context, user Authenticatable, credentials Credentials) (bool, error) {
	u, ok := user.(*SQLUser)
	if !ok {
		return false, fmt.Errorf("unexpected user type %T", user)
	}

	err := VerifyPassword(credentials["password"], u.PasswordHash)
	if errors.Is(err, errPasswordMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return true, nil
}

// Close closes the underlying database.
func (p *SQLUserProvider) Close() error { return p.db.Close() }

func (p *SQLUserProvider) queryUser(ctx context.Context, query string, arg string) (*SQLUser, error) {
	var u SQLUser
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
