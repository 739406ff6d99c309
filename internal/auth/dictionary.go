package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"github.com/akulov/nbhub/internal/domain"
)

// DictionaryAuthenticator verifies credentials against a fixed in-memory
// password table and maintains an allowlist of known accounts. Intended for
// development and single-node deployments; production setups plug in their
// own Authenticator.
type DictionaryAuthenticator struct {
	mu        sync.Mutex
	passwords map[string]string
	allowed   map[string]struct{}
}

// NewDictionaryAuthenticator builds an authenticator from "user:password"
// entries. Every listed user starts out allowed.
func NewDictionaryAuthenticator(entries []string) (*DictionaryAuthenticator, error) {
	a := &DictionaryAuthenticator{
		passwords: make(map[string]string),
		allowed:   make(map[string]struct{}),
	}
	for _, entry := range entries {
		name, password, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed credential entry %q, want user:password", entry)
		}
		a.passwords[name] = password
		a.allowed[name] = struct{}{}
	}
	return a, nil
}

// Authenticate verifies a username/password pair.
func (a *DictionaryAuthenticator) Authenticate(_ context.Context, username, password string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want, ok := a.passwords[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return "", ErrInvalidCredentials
	}
	if _, ok := a.allowed[username]; !ok {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// AddUser allows the account. Fails if the user has no credential entry,
// since such an account could never log in.
func (a *DictionaryAuthenticator) AddUser(_ context.Context, user *domain.User) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.passwords[user.Name]; !ok {
		return fmt.Errorf("no credentials configured for user %s", user.Name)
	}
	a.allowed[user.Name] = struct{}{}
	return nil
}

// DeleteUser removes the account from the allowlist.
func (a *DictionaryAuthenticator) DeleteUser(_ context.Context, user *domain.User) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allowed, user.Name)
	return nil
}
