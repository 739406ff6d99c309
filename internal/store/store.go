// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/akulov/nbhub/internal/domain"
)

// ErrNotFound is returned by mutations that matched no row.
var ErrNotFound = errors.New("user not found")

// Repository defines the interface for persisting user records.
// Each mutation executes as a single statement and is durable when the call
// returns; the hub never holds a transaction across a spawner or
// authenticator call.
type Repository interface {
	// FindByName retrieves a user by name. Returns (nil, nil) if absent.
	FindByName(ctx context.Context, name string) (*domain.User, error)

	// ListAll returns every user record, ordered by name.
	ListAll(ctx context.Context) ([]*domain.User, error)

	// Create inserts a new user record.
	Create(ctx context.Context, user *domain.User) error

	// Save overwrites the record currently stored under name with user.
	// user.Name may differ from name (rename).
	Save(ctx context.Context, name string, user *domain.User) error

	// Delete removes a user record. Returns ErrNotFound if absent.
	Delete(ctx context.Context, name string) error

	// TouchActivity advances last_activity, keeping it monotonically
	// non-decreasing.
	TouchActivity(ctx context.Context, name string, at time.Time) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
