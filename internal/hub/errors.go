package hub

import (
	"errors"
	"fmt"
)

// Kind classifies a lifecycle error so the API layer can map it to a status
// code without parsing messages.
type Kind int

const (
	// KindForbidden means the caller is not authorized for the operation.
	KindForbidden Kind = iota
	// KindNotFound means the target user does not exist.
	KindNotFound
	// KindBadRequest means the request payload was malformed.
	KindBadRequest
	// KindConflict means the transition is illegal in the current state
	// (user already exists, server already running).
	KindConflict
	// KindServerBusy means a stop is in flight and the caller must retry.
	KindServerBusy
	// KindNotRunning means the operation requires a running server.
	KindNotRunning
	// KindProvisioningFailed means an external authenticator call failed.
	KindProvisioningFailed
	// KindFeatureDisabled means a feature flag gates the operation off.
	KindFeatureDisabled
	// KindInternal covers unexpected spawner or store failures.
	KindInternal
)

// Error is a lifecycle error with a stable kind and a human-readable
// message. No internal detail is exposed through it.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Errorf builds a lifecycle error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a lifecycle error, or KindInternal for any
// other error.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindInternal
}
