package changeemail

import (
	"context"
	"fmt"
	"time"

	"lockgate/internal/database"
	"lockgate/pkg/crypto"
)

// LockoutConfig holds the failed-login policy. It is its own struct so other
// password checks can share it without dragging in change-email settings.
type LockoutConfig struct {
	LockoutThreshold int
	WarningThreshold int
	LockedDuration   time.Duration
}

// Verifier re-authenticates a user by re-deriving the submitted password
// against the stored salted hash.
type Verifier struct {
	store Store
	cfg   LockoutConfig
}

func NewVerifier(store Store, cfg LockoutConfig) *Verifier {
	return &Verifier{store: store, cfg: cfg}
}

// Verify checks the submitted password. Every failure path persists the
// mutated attempt counter before returning, so lockout state survives the
// request. A success resets the counter in memory only; the caller's next
// Update carries it.
func (v *Verifier) Verify(ctx context.Context, user *database.User, password string) error {
	if user.AccountLocked && user.AccountLockedUntil != nil && user.AccountLockedUntil.After(time.Now()) {
		return &FlowError{
			Code:    CodeInvalidCredentials,
			Message: "Your account is locked",
			Locked:  true,
		}
	}

	if crypto.VerifyPassword(password, user.PasswordSalt, user.HashIterations, user.PasswordHash) {
		user.FailedLoginAttempts = 0
		user.AccountLocked = false
		user.AccountLockedUntil = nil
		return nil
	}

	user.FailedLoginAttempts++

	ferr := flowErr(CodeInvalidCredentials, "Invalid password")
	if user.FailedLoginAttempts >= v.cfg.LockoutThreshold {
		until := time.Now().Add(v.cfg.LockedDuration)
		user.AccountLocked = true
		user.AccountLockedUntil = &until
		ferr.Locked = true
		ferr.Message = fmt.Sprintf("Invalid password. Your account is now locked for %s", v.cfg.LockedDuration)
	} else if user.FailedLoginAttempts >= v.cfg.WarningThreshold {
		ferr.Warning = true
		ferr.Message = "Invalid password. Your account will be locked soon."
	}

	if _, err := v.store.Update(ctx, user); err != nil {
		return fmt.Errorf("persist failed login attempt: %w", err)
	}
	return ferr
}
