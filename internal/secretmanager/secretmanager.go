// Package secretmanager resolves per-profile API keys through a chain of
// responsibility: an explicit key on the profile wins, then an env var
// fallback, then (optionally) the OS keyring.
package secretmanager

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned when no manager in the chain has the
// requested secret.
var ErrSecretNotFound = errors.New("secret not found")

type Type string

const (
	TypeProfile Type = "profile"
	TypeEnv     Type = "env"
	TypeKeyring Type = "keyring"
	TypeMock    Type = "mock"
	TypeChain   Type = "chain"
)

type Manager interface {
	GetSecret(name string) (string, error)
	Type() Type
}

// ProfileManager resolves a key already stored on the provider profile.
// It is always tried first, ahead of env/keyring fallback.
type ProfileManager struct {
	Key string
}

func (p ProfileManager) GetSecret(name string) (string, error) {
	if p.Key == "" {
		return "", fmt.Errorf("%w: no key set on profile for %s", ErrSecretNotFound, name)
	}
	return p.Key, nil
}

func (p ProfileManager) Type() Type { return TypeProfile }

// EnvManager reads the environment variable called name, unprefixed
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, etc. are passed in verbatim by the
// caller).
type EnvManager struct{}

func (e EnvManager) GetSecret(name string) (string, error) {
	secret := os.Getenv(name)
	if secret == "" {
		return "", fmt.Errorf("%w: %s not found in environment", ErrSecretNotFound, name)
	}
	return secret, nil
}

func (e EnvManager) Type() Type { return TypeEnv }

// KeyringManager reads from the OS credential store under the "arula"
// service name.
type KeyringManager struct{}

func (k KeyringManager) GetSecret(name string) (string, error) {
	secret, err := keyring.Get("arula", name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s not found in keyring", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("error retrieving %s from keyring: %w", name, err)
	}
	return secret, nil
}

func (k KeyringManager) Type() Type { return TypeKeyring }

// Chain tries each manager in order and returns the first success,
// matching CompositeSecretManager's fallback semantics.
type Chain struct {
	managers []Manager
}

func NewChain(managers ...Manager) *Chain {
	return &Chain{managers: managers}
}

func (c *Chain) GetSecret(name string) (string, error) {
	var lastErr error
	for _, m := range c.managers {
		secret, err := m.GetSecret(name)
		if err == nil {
			return secret, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", fmt.Errorf("secret %s not found in any secret manager: %w", name, lastErr)
	}
	return "", fmt.Errorf("no secret managers configured")
}

func (c *Chain) Type() Type { return TypeChain }

// MockManager is a test helper returning a fixed value for any name, or
// ErrSecretNotFound when Value is empty.
type MockManager struct{ Value string }

func (m MockManager) GetSecret(name string) (string, error) {
	if m.Value != "" {
		return m.Value, nil
	}
	return "", fmt.Errorf("%w: %s not found in mock", ErrSecretNotFound, name)
}

func (m MockManager) Type() Type { return TypeMock }

// Resolve builds the standard chain for a profile: explicit key first,
// then the env var fallback name, then keyring.
func Resolve(profileKey, envVarName string) (string, error) {
	chain := NewChain(ProfileManager{Key: profileKey}, EnvManager{}, KeyringManager{})
	return chain.GetSecret(envVarName)
}
