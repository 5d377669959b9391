package rbac

// Role names carried in access tokens.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleFinance  = "finance"
	RoleAdmin    = "admin"
)

// All lists every role the API accepts.
func All() []string {
	return []string{RoleClient, RoleProvider, RoleFinance, RoleAdmin}
}

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsStaff reports whether role may act on sessions it is not a party to.
func IsStaff(role string) bool { return role == RoleAdmin || role == RoleFinance }
