package hub

import (
	"testing"

	"github.com/akulov/nbhub/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	admin := &domain.User{Name: "root", Admin: true}
	alice := &domain.User{Name: "alice"}

	cases := []struct {
		name    string
		caller  *domain.User
		target  string
		mode    Mode
		allowed bool
	}{
		{"nil caller admin-only", nil, "alice", AdminOnly, false},
		{"nil caller self-or-admin", nil, "alice", SelfOrAdmin, false},
		{"admin admin-only", admin, "alice", AdminOnly, true},
		{"non-admin admin-only", alice, "alice", AdminOnly, false},
		{"self self-or-admin", alice, "alice", SelfOrAdmin, true},
		{"admin self-or-admin", admin, "alice", SelfOrAdmin, true},
		{"other self-or-admin", alice, "bob", SelfOrAdmin, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.caller, tc.target, tc.mode)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, KindForbidden, KindOf(err))
			}
		})
	}
}
