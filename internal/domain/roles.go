package domain

import "context"

// Role is a named capability checked through the external access-control
// provider.
type Role string

const (
	// RoleFiller authorizes the automation principal to trigger fills.
	RoleFiller Role = "filler"
	// RoleAdmin authorizes fee administration and fund rescue.
	RoleAdmin Role = "admin"
)

// Principal is an authenticated API caller. Address is the EVM address the
// principal acts as; it is compared against position ownership and receives
// treasury withdrawals.
type Principal struct {
	Name    string
	Address string
}

// RoleChecker answers role-membership queries. It is an external
// collaborator; the engine never manages role assignments itself.
type RoleChecker interface {
	HasRole(ctx context.Context, principal string, role Role) (bool, error)
}
