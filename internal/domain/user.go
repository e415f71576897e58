package domain

import "time"

// UserRole separates administrators from regular agents.
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleAgent UserRole = "agent"
)

// User is an actor working conversations. Users are provisioned outside the relay.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         UserRole
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin reports elevated privilege.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}
