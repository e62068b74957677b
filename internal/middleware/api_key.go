package middleware

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashStore looks up the stored bcrypt hash for a non-revoked API key ID.
type HashStore interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator validates bearer tokens of the form "keyID.secret"
// against bcrypt hashes held in a [HashStore].
type APIKeyValidator struct {
	store HashStore
}

func NewAPIKeyValidator(store HashStore) *APIKeyValidator {
	return &APIKeyValidator{store: store}
}

// ValidateToken splits the token into key ID and secret, fetches the stored
// hash, and compares. It returns the key ID on success.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAuthorizationHeader
	}

	hash, err := v.store.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("look up api key: %w", err)
	}

	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAuthorizationHeader
	}

	return keyID, nil
}

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
