// Package spawner starts, stops and polls per-user single-user servers.
package spawner

import "context"

// Spawner controls the backing process of one user's server. Implementations
// own their timeout and retry policy; the hub never cancels an in-flight
// spawn or stop.
type Spawner interface {
	// Spawn starts the backing process and returns once it is up.
	Spawn(ctx context.Context) error

	// Stop stops and tears down the backing process.
	Stop(ctx context.Context) error

	// Poll checks process liveness. A nil result means the process is
	// alive; a non-nil result is the exit code of a dead process.
	// Poll is the single source of truth for liveness.
	Poll(ctx context.Context) (*int, error)

	// URL returns the base URL of the running server.
	URL() string
}

// Factory creates a Spawner for a named user, lazily, one per user.
type Factory interface {
	New(name string) Spawner
}
