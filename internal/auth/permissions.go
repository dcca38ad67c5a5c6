package auth

import "slices"

// Permission represents a named capability in the API.
type Permission string

// Permission constants.
const (
	PermPointRead    Permission = "point:read"
	PermPointWrite   Permission = "point:write"
	PermPointManage  Permission = "point:manage"
	PermDeviceRead   Permission = "device:read"
	PermDeviceManage Permission = "device:manage"
	PermDeviceReinit Permission = "device:reinit"
	PermNetworkAdmin Permission = "network:admin"
	PermAuditRead    Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermPointRead,
		PermDeviceRead,
	},
	RoleOperator: {
		PermPointRead,
		PermPointWrite,
		PermDeviceRead,
	},
	RoleAdmin: {
		PermPointRead,
		PermPointWrite,
		PermPointManage,
		PermDeviceRead,
		PermDeviceManage,
		PermDeviceReinit,
		PermNetworkAdmin,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
