package rbac

// Role names carried in console access tokens.
const (
	RoleOwner      = "owner"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// Operators may work conversations.
var Operators = []string{RoleOwner, RoleSupervisor, RoleAgent}

// Managers may additionally read reports and reassign conversations.
var Managers = []string{RoleOwner, RoleSupervisor}
