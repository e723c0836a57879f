package accessctl

import (
	"context"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// Static is a role checker backed by a fixed grant table, typically loaded
// from configuration. The zero value denies everything.
type Static struct {
	grants map[string]map[domain.Role]bool
}

// NewStatic builds a static checker from principal -> roles.
func NewStatic(grants map[string][]domain.Role) *Static {
	s := &Static{grants: make(map[string]map[domain.Role]bool, len(grants))}
	for principal, roles := range grants {
		set := make(map[domain.Role]bool, len(roles))
		for _, r := range roles {
			set[r] = true
		}
		s.grants[principal] = set
	}
	return s
}

// HasRole reports whether the principal was granted the role.
func (s *Static) HasRole(_ context.Context, principal string, role domain.Role) (bool, error) {
	return s.grants[principal][role], nil
}

var _ domain.RoleChecker = (*Static)(nil)
