// Package auth verifies API bearer tokens. The gateway has a single
// configured secret, not per-client identity; a request either carries it
// or it doesn't.
package auth

import (
	"crypto/subtle"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// TokenVerifier checks a presented bearer token against the configured
// secret. The secret can be held either in plain form or as a bcrypt hash;
// the hash form keeps the secret itself out of the config file.
type TokenVerifier struct {
	token     string
	tokenHash string
}

// NewTokenVerifier creates a verifier for a plain-text secret.
func NewTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: token}
}

// NewHashedTokenVerifier creates a verifier for a bcrypt-hashed secret.
func NewHashedTokenVerifier(hash string) *TokenVerifier {
	return &TokenVerifier{tokenHash: hash}
}

// Verify reports whether the presented token matches the configured secret.
func (v *TokenVerifier) Verify(presented string) bool {
	if presented == "" {
		return false
	}

	if v.tokenHash != "" {
		// bcrypt.CompareHashAndPassword handles timing-safe comparison
		if err := bcrypt.CompareHashAndPassword([]byte(v.tokenHash), []byte(presented)); err != nil {
			log.Printf("auth: token validation failed")
			return false
		}
		return true
	}

	if subtle.ConstantTimeCompare([]byte(v.token), []byte(presented)) != 1 {
		log.Printf("auth: token validation failed")
		return false
	}
	return true
}

// HashToken produces a bcrypt hash of a token, suitable for the
// api_token_hash config key. Used by the hash-token subcommand.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
