package jwtguard

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// SigningMethod represents the key signing method (symmetric or asymmetric).
type SigningMethod string

const (
	Symmetric  SigningMethod = "symmetric"  // HMAC with a shared secret
	Asymmetric SigningMethod = "asymmetric" // RSA, ECDSA or EdDSA key pair
)

// JWTConfig holds the configuration of the JWT token service.
//
// Fields:
//   - Algorithm: Signing algorithm (HS256/384/512, RS256/384/512, ES256/384/512, EdDSA)
//   - Secret: Shared secret for HMAC algorithms (min 32 bytes)
//   - PrivateKeyPath: PEM private key for asymmetric algorithms (mode 0600)
//   - PublicKeyPath: PEM public key or certificate for asymmetric algorithms
//   - TTL: Lifetime of an issued token
//   - RefreshTTL: Window after the original issue time during which a token
//     may be refreshed, even when expired
//   - Issuer: iss claim; verified when set
//   - Leeway: Clock skew tolerated on exp/nbf/iat
//   - BlacklistEnabled: Whether tokens are blacklisted on refresh and logout
//   - BlacklistGracePeriod: How long a token replaced by a refresh keeps
//     verifying, so concurrent requests holding it are not rejected
type JWTConfig struct {
	Algorithm            string        `env:"ALGO"                   envDefault:"HS256"`
	Secret               string        `env:"SECRET"`
	PrivateKeyPath       string        `env:"PRIVATE_KEY_PATH"`
	PublicKeyPath        string        `env:"PUBLIC_KEY_PATH"`
	TTL                  time.Duration `env:"TTL"                    envDefault:"1h"`
	RefreshTTL           time.Duration `env:"REFRESH_TTL"            envDefault:"336h"`
	Issuer               string        `env:"ISSUER"`
	Leeway               time.Duration `env:"LEEWAY"                 envDefault:"0s"`
	BlacklistEnabled     bool          `env:"BLACKLIST_ENABLED"      envDefault:"true"`
	BlacklistGracePeriod time.Duration `env:"BLACKLIST_GRACE_PERIOD" envDefault:"30s"`
}

// Config is the full configuration of a guard deployment.
type Config struct {
	JWT JWTConfig `envPrefix:"JWT_"`

	// CacheTTL is how long a refreshed token is served to other requests
	// still presenting the token it replaced.
	CacheTTL time.Duration `env:"JWT_CACHE_TTL" envDefault:"30s"`
	// LogoutForever blacklists tokens permanently on logout.
	LogoutForever bool `env:"JWT_LOGOUT_FOREVER" envDefault:"false"`

	RedisAddr     string `env:"JWTGUARD_REDIS_ADDR"`
	RedisPassword string `env:"JWTGUARD_REDIS_PASSWORD"`
	RedisDB       int    `env:"JWTGUARD_REDIS_DB" envDefault:"0"`
}

// DefaultJWTConfig returns an HS256 configuration using secret.
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Algorithm:            "HS256",
		Secret:               secret,
		TTL:                  time.Hour,
		RefreshTTL:           14 * 24 * time.Hour,
		BlacklistEnabled:     true,
		BlacklistGracePeriod: 30 * time.Second,
	}
}

// LoadConfigFromEnv reads Config from environment variables and validates it.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for completeness.
func (c Config) Validate() error {
	if err := c.JWT.Validate(); err != nil {
		return fmt.Errorf("invalid jwt config: %w", err)
	}
	if c.CacheTTL <= 0 {
		return ErrInvalidCacheTTL
	}
	return nil
}

// SigningMethod returns whether Algorithm is symmetric or asymmetric.
func (c JWTConfig) SigningMethod() SigningMethod {
	if strings.HasPrefix(strings.ToUpper(c.Algorithm), "HS") {
		return Symmetric
	}
	return Asymmetric
}

// Validate checks key material and lifetimes.
func (c JWTConfig) Validate() error {
	if _, err := signingMethodFor(c.Algorithm); err != nil {
		return err
	}

	switch c.SigningMethod() {
	case Symmetric:
		if c.Secret == "" {
			return fmt.Errorf("symmetric key is required for symmetric signing method")
		}
		if len(c.Secret) < 32 {
			return fmt.Errorf("symmetric key must be at least 32 bytes")
		}
		if c.PrivateKeyPath != "" || c.PublicKeyPath != "" {
			return fmt.Errorf("key paths must be empty for symmetric signing method")
		}
	case Asymmetric:
		if c.PrivateKeyPath == "" || c.PublicKeyPath == "" {
			return fmt.Errorf("private and public key paths are required for asymmetric signing method")
		}
		if c.Secret != "" {
			return fmt.Errorf("secret must be empty for asymmetric signing method")
		}
		if err := checkFilePermissions(c.PrivateKeyPath, 0600); err != nil {
			return fmt.Errorf("insecure private key file permissions: %w", err)
		}
	}

	if c.TTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	if c.RefreshTTL < c.TTL {
		return fmt.Errorf("refresh ttl must not be shorter than token ttl")
	}
	if c.Leeway < 0 {
		return fmt.Errorf("leeway cannot be negative")
	}
	if c.BlacklistGracePeriod < 0 {
		return fmt.Errorf("blacklist grace period cannot be negative")
	}
	return nil
}

// checkFilePermissions checks the file is not more permissive than requiredPerm
func checkFilePermissions(path string, requiredPerm os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	actualPerm := info.Mode().Perm()
	if actualPerm&^requiredPerm != 0 {
		return fmt.Errorf("file %s has permissions %#o, expected %#o", path, actualPerm, requiredPerm)
	}
	return nil
}
