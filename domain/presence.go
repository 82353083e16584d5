package domain

// Presence is one connection joined to a workspace room.
type Presence struct {
	ConnectionID string  `json:"-"`
	Username     string  `json:"username"`
	UserID       *string `json:"userId"`
}

// Role is the permission level of a workspace member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role may mutate cards.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleEditor
}

// UserStatus is the coarse online indicator kept in the profile store.
type UserStatus string

const (
	StatusActive  UserStatus = "active"
	StatusOffline UserStatus = "offline"
)
