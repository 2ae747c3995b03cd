package model

// Role is the portal role bound to an authenticated identity.
type Role string

const (
	RoleCitizen    Role = "citizen"
	RoleWorker     Role = "worker"
	RoleDepartment Role = "department"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCitizen, RoleWorker, RoleDepartment, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// IsAdmin reports whether r belongs to the admin pool.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// IsStaff reports whether r handles issues on behalf of the city.
func (r Role) IsStaff() bool {
	return r == RoleWorker || r == RoleDepartment || r.IsAdmin()
}

// Identity is an already-authenticated user as handed to the core.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
}

// Authenticated reports whether the identity carries a user.
func (i Identity) Authenticated() bool {
	return i.UserID != "" && i.Role.Valid()
}
