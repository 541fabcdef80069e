package database

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user account in the system. The email-change fields come
// in pairs: a token and its expiry are always set and cleared together, and
// OldEmail is only populated while a revert token is live.
type User struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;default:uuid_generate_v4();primaryKey"`
	Name          string    `json:"name" gorm:"uniqueIndex"`
	Email         string    `json:"email" gorm:"index"`
	EmailVerified bool      `json:"email_verified" gorm:"default:false"`

	PendingEmail       string     `json:"-"`
	ChangeToken        string     `json:"-" gorm:"index"`
	ChangeTokenExpires *time.Time `json:"-"`
	OldEmail           string     `json:"-"`
	RevertToken        string     `json:"-" gorm:"index"`
	RevertTokenExpires *time.Time `json:"-"`

	AccountInvalid      bool       `json:"-" gorm:"default:false"`
	FailedLoginAttempts int        `json:"-" gorm:"default:0"`
	AccountLocked       bool       `json:"-" gorm:"default:false"`
	AccountLockedUntil  *time.Time `json:"-"`

	PasswordSalt   string `json:"-"`
	PasswordHash   string `json:"-"`
	HashIterations int    `json:"-" gorm:"default:0"`

	Role           string     `json:"role" gorm:"default:'user'"`
	OrganizationID *uuid.UUID `json:"organization_id" gorm:"type:uuid"`
	LastLogin      time.Time  `json:"-" gorm:"default:now()"`
	LoginCount     int        `json:"-" gorm:"default:0"`
}

// TableName specifies the database table name for the User model
func (u *User) TableName() string {
	return "account.user"
}
