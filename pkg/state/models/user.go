package models

import "time"

// UserRole represents the role of a user in the system.
type UserRole string

const (
	// RoleUser is a regular user with limited permissions.
	RoleUser UserRole = "user"
	// RoleAdmin is an administrator with full permissions.
	RoleAdmin UserRole = "admin"
)

// IsValid checks if the role is a valid UserRole.
func (r UserRole) IsValid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is a read-only directory record used to validate authors, coauthors,
// and reviewers. Account management happens outside this module; records are
// synchronized into the same database the state store uses.
type User struct {
	ID        string    `gorm:"primaryKey;size:36" json:"user_id"`
	Username  string    `gorm:"uniqueIndex;not null;size:255" json:"username"`
	Email     string    `gorm:"size:255" json:"email,omitempty"`
	FirstName string    `gorm:"size:255" json:"first_name,omitempty"`
	LastName  string    `gorm:"size:255" json:"last_name,omitempty"`
	Role      string    `gorm:"default:user;size:50" json:"role"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// IsAdmin checks if the user has admin role.
func (u *User) IsAdmin() bool {
	return u.Role == string(RoleAdmin)
}
