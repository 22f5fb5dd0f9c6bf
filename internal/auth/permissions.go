package auth

// Permission names an operation class on the bridge API.
type Permission string

const (
	// PermRead covers devices, entities, history and the event stream.
	PermRead Permission = "coop:read"

	// PermCommand covers entity commands and manual refreshes.
	PermCommand Permission = "coop:command"

	// PermAdmin covers credential replacement and the audit log.
	PermAdmin Permission = "coop:admin"
)

// Roles are strictly ordered: each one holds every permission of the roles
// below it. minRole records the lowest role holding each permission.
var (
	roleRank = map[Role]int{
		RoleViewer:   1,
		RoleOperator: 2,
		RoleAdmin:    3,
	}

	minRole = map[Permission]Role{
		PermRead:    RoleViewer,
		PermCommand: RoleOperator,
		PermAdmin:   RoleAdmin,
	}

	allPermissions = []Permission{PermRead, PermCommand, PermAdmin}
)

// HasPermission reports whether role holds perm. Unknown roles and
// unknown permissions hold nothing.
func HasPermission(role Role, perm Permission) bool {
	have, ok := roleRank[role]
	if !ok {
		return false
	}
	need, ok := minRole[perm]
	if !ok {
		return false
	}
	return have >= roleRank[need]
}

// PermissionsForRole lists the permissions role holds, or nil for an
// unknown role.
func PermissionsForRole(role Role) []Permission {
	if _, ok := roleRank[role]; !ok {
		return nil
	}
	var perms []Permission
	for _, p := range allPermissions {
		if HasPermission(role, p) {
			perms = append(perms, p)
		}
	}
	return perms
}
