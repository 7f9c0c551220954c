// Package store persists relay settings and small pieces of agent state.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/tabrelay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the persistence the agent needs.
type Repository interface {
	// LoadSettings returns the stored settings or ErrNotFound.
	LoadSettings(ctx context.Context) (domain.Settings, error)

	// SaveSettings replaces the stored settings.
	SaveSettings(ctx context.Context, s domain.Settings) error

	// GetState returns the value stored under key or ErrNotFound.
	GetState(ctx context.Context, key string) (string, error)

	// SetState stores value under key.
	SetState(ctx context.Context, key, value string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
