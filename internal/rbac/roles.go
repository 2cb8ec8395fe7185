package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleSupport = "support"
	RoleAdmin   = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnown(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleSupport, RoleAdmin:
		return true
	default:
		return false
	}
}

// Allows reports whether role satisfies allowed. admin always does.
func Allows(role string, allowed ...string) bool {
	if IsAdmin(role) {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
