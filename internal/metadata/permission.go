package metadata

// Permission grants roles an action on a table. Policies are metadata;
// the caller's identity and role set are resolved by a collaborator and
// only checked here.
type Permission struct {
	ID     string   `json:"id,omitempty"`
	Table  string   `json:"table"`
	Action string   `json:"action"` // read, create, update, delete
	Roles  []string `json:"roles"`
}

// UserContext is the resolved caller identity, set by the auth adapter.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u.HasRole("admin")
}
