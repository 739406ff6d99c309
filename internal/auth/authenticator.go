// Package auth defines the external identity-system collaborator.
package auth

import (
	"context"
	"errors"

	"github.com/akulov/nbhub/internal/domain"
)

// ErrInvalidCredentials is returned when a login attempt fails.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Authenticator is the external identity-system collaborator. It verifies
// credentials and is notified when accounts are created or deleted so the
// identity system stays in sync. Calls may be slow; failures are returned,
// never panicked.
type Authenticator interface {
	// Authenticate verifies credentials and returns the normalized
	// username, or ErrInvalidCredentials.
	Authenticate(ctx context.Context, username, password string) (string, error)

	// AddUser registers a newly created account with the identity system.
	AddUser(ctx context.Context, user *domain.User) error

	// DeleteUser removes an account from the identity system.
	DeleteUser(ctx context.Context, user *domain.User) error
}
