// Package models holds the records persisted by the user store.
package models

import "time"

// User is an account as stored. PasswordRecord is the encoded credential
// record; the store treats it as an opaque string.
type User struct {
	ID             string
	Email          string
	PasswordRecord string
	Blocked        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserUpdate lists the fields to change; nil fields are left untouched.
type UserUpdate struct {
	Email          *string
	PasswordRecord *string
	Blocked        *bool
}

// IsEmpty reports whether u changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return u.Email == nil && u.PasswordRecord == nil && u.Blocked == nil
}
