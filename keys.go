package jwtguard

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

func signingMethodFor(algorithm string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(algorithm) {
	case "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	case "RS256":
		return jwt.SigningMethodRS256, nil
	case "RS384":
		return jwt.SigningMethodRS384, nil
	case "RS512":
		return jwt.SigningMethodRS512, nil
	case "ES256":
		return jwt.SigningMethodES256, nil
	case "ES384":
		return jwt.SigningMethodES384, nil
	case "ES512":
		return jwt.SigningMethodES512, nil
	case "EDDSA":
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// loadKeys returns the signing and verification keys for cfg.
func loadKeys(cfg JWTConfig, method jwt.SigningMethod) (sign, verify any, err error) {
	if cfg.SigningMethod() == Symmetric {
		key := []byte(cfg.Secret)
		return key, key, nil
	}

	privatePEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicPEM, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	publicPEM, err = publicKeyPEM(publicPEM)
	if err != nil {
		return nil, nil, err
	}

	switch method.Alg() {
	case "RS256", "RS384", "RS512":
		if sign, err = jwt.ParseRSAPrivateKeyFromPEM(privatePEM); err != nil {
			return nil, nil, fmt.Errorf("failed to parse RSA private key: %w", err)
		}
		if verify, err = jwt.ParseRSAPublicKeyFromPEM(publicPEM); err != nil {
			return nil, nil, fmt.Errorf("failed to parse RSA public key: %w", err)
		}
	case "ES256", "ES384", "ES512":
		if sign, err = jwt.ParseECPrivateKeyFromPEM(privatePEM); err != nil {
			return nil, nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
		}
		if verify, err = jwt.ParseECPublicKeyFromPEM(publicPEM); err != nil {
			return nil, nil, fmt.Errorf("failed to parse ECDSA public key: %w", err)
		}
	case "EdDSA":
		if sign, err = jwt.ParseEdPrivateKeyFromPEM(privatePEM); err != nil {
			return nil, nil, fmt.Errorf("failed to parse EdDSA private key: %w", err)
		}
		if verify, err = jwt.ParseEdPublicKeyFromPEM(publicPEM); err != nil {
			return nil, nil, fmt.Errorf("failed to parse EdDSA public key: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported algorithm for asymmetric signing: %s", method.Alg())
	}
	return sign, verify, nil
}

// publicKeyPEM accepts a PUBLIC KEY block or an X.509 certificate and returns
// a PKIX PUBLIC KEY block.
func publicKeyPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the public key")
	}
	if block.Type != "CERTIFICATE" {
		return data, nil
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal certificate public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
