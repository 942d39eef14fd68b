package rbac

// Role names. Keep these stable; they are part of auth contracts.
// Operators run syncs and read stats; admins additionally manage resyncs
// and dead-lettered records.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
