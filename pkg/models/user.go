package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRef is the session identity every job operation is scoped to.
type UserRef struct {
	UserUID string `json:"user_uid"`
}

// User owns zero or more jobs across all job-type families.
type User struct {
	ID        uuid.UUID `db:"id"         json:"user_uid"`
	Username  string    `db:"username"   json:"username"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Ref returns the session identity for the user.
func (u *User) Ref() UserRef {
	return UserRef{UserUID: u.ID.String()}
}
