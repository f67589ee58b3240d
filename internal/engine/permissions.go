package engine

import "mdm-backend/internal/metadata"

// CheckPermission decides whether a user may perform an action on the
// snapshot's table. Admins bypass policies. Structural flags
// (allow_create and friends) gate mutations before policies are
// consulted; with no policy rows for the action, any authenticated user
// may proceed.
func CheckPermission(snap *metadata.Snapshot, user *metadata.UserContext, action string) error {
	switch action {
	case "create":
		if !snap.Table.AllowCreate {
			return PermissionDeniedError(action, snap.Table.Name)
		}
	case "update":
		if !snap.Table.AllowUpdate {
			return PermissionDeniedError(action, snap.Table.Name)
		}
	case "delete":
		if !snap.Table.AllowDelete {
			return PermissionDeniedError(action, snap.Table.Name)
		}
	}

	if user == nil {
		return UnauthorizedError("Authentication required")
	}
	if user.IsAdmin() {
		return nil
	}

	policies := snap.PermissionsFor(action)
	if len(policies) == 0 {
		return nil
	}
	for _, p := range policies {
		for _, role := range p.Roles {
			if user.HasRole(role) {
				return nil
			}
		}
	}
	return PermissionDeniedError(action, snap.Table.Name)
}
