package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoSecret = errors.New("no shared secret configured")

// Credentials identify a client to an agent.
type Credentials struct {
	ClientID string
	Secret   []byte
}

// LoadSecret resolves a credential source:
//
//	env:NAME   value of environment variable NAME
//	file:PATH  contents of PATH, surrounding whitespace trimmed
//	anything else is taken as the secret itself
func LoadSecret(source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	var secret string

	switch {
	case source == "":
		return nil, ErrNoSecret
	case strings.HasPrefix(source, "env:"):
		name := strings.TrimPrefix(source, "env:")
		secret = os.Getenv(name)
		if secret == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", ErrNoSecret, name)
		}
	case strings.HasPrefix(source, "file:"):
		path := strings.TrimPrefix(source, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
		if secret == "" {
			return nil, fmt.Errorf("%w: %s is empty", ErrNoSecret, path)
		}
	default:
		secret = source
	}

	return []byte(secret), nil
}

// HashAPIKey generates the bcrypt hash stored in controller configuration.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckAPIKey compares a presented key with its bcrypt hash.
func CheckAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
