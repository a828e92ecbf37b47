package domain

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleCustomer Role = "CUSTOMER"
	RoleSystem   Role = "SYSTEM"
)

// Actor is the authenticated caller as resolved by the transport layer.
type Actor struct {
	UserID    string
	Role      Role
	IPAddress string
	UserAgent string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// AuditUserID is nil for system actions.
func (a Actor) AuditUserID() *string {
	if a.Role == RoleSystem || a.UserID == "" {
		return nil
	}
	id := a.UserID
	return &id
}

func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}
