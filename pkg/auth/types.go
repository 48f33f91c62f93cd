package auth

// Principal is the interface for any entity making a request through the
// gate (interactive user, service account, system job).
type Principal interface {
	GetID() string
	GetUsername() string
	GetRoles() []string
	// HasRole reports whether the principal carries the named role.
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal built from verified
// token claims.
type BasePrincipal struct {
	ID        string
	Username  string
	Roles     []string
	Plan      string
	SessionID string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetUsername() string {
	return b.Username
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GetPlan returns the billing plan claim, empty when the token carried none.
func (b *BasePrincipal) GetPlan() string {
	return b.Plan
}
