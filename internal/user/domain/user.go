package domain

import (
	"errors"
	"time"
)

// User is the core user entity. TokenVersion is a monotonic counter embedded
// in every access token; bumping it invalidates all outstanding access tokens
// at once.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Roles        []string
	TokenVersion int64
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusBanned  UserStatus = "banned"
	UserStatusDeleted UserStatus = "deleted"
)

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}
