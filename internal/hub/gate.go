package hub

import "github.com/akulov/nbhub/internal/domain"

// Mode is the capability a lifecycle operation requires.
type Mode int

const (
	// AdminOnly restricts an operation to administrators.
	AdminOnly Mode = iota
	// SelfOrAdmin allows the target user itself or any administrator.
	SelfOrAdmin
)

// Authorize decides whether caller may act on the user resource named
// target. It is a pure decision over current state: no caller is always
// forbidden; SelfOrAdmin additionally admits the target user itself.
// Resolving the target to an existing record happens after authorization,
// so an absent target surfaces as not-found only to authorized callers.
func Authorize(caller *domain.User, target string, mode Mode) error {
	if caller == nil {
		return Errorf(KindForbidden, "authentication required")
	}
	switch mode {
	case AdminOnly:
		if !caller.Admin {
			return Errorf(KindForbidden, "admin access required")
		}
	case SelfOrAdmin:
		if caller.Name != target && !caller.Admin {
			return Errorf(KindForbidden, "access to user %s forbidden", target)
		}
	}
	return nil
}
