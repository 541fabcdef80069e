// Package changeemail implements the token-driven state machine behind the
// change-email flow. A verified request parks the new address as pending and
// mails a time-limited confirmation link; redeeming the link commits the
// change and, when an old address existed, opens a second window in which a
// revert link mailed to that address undoes it.
package changeemail

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"lockgate/internal/database"
)

// Store field names understood by the persistence collaborator.
const (
	FieldEmail       = "email"
	FieldName        = "name"
	FieldChangeToken = "change_token"
	FieldRevertToken = "revert_token"
)

// Filter narrows store lookups, e.g. to a single tenant. Keys are store
// field names.
type Filter map[string]any

// Without returns a copy of the filter with the given field removed, so a
// lookup never collides with a filter entry on the field being matched.
func (f Filter) Without(field string) Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		if k != field {
			out[k] = v
		}
	}
	return out
}

// Store is the persistence collaborator. Find returns (nil, nil) when no
// user matches.
type Store interface {
	Find(ctx context.Context, field string, value any, scope Filter) (*database.User, error)
	Update(ctx context.Context, user *database.User) (*database.User, error)
}

// Notifier delivers the confirmation and revert messages.
type Notifier interface {
	SendChangeConfirmation(ctx context.Context, name, to, token string) error
	SendRevertLink(ctx context.Context, name, to, token string) error
}

// IdentityMode selects how the requesting account is resolved.
type IdentityMode int

const (
	ResolveByEmail IdentityMode = iota
	ResolveByName
)

type Config struct {
	ChangeTokenExpiry time.Duration
	RevertTokenExpiry time.Duration
	IdentityMode      IdentityMode
}

type Outcome string

const (
	ConfirmationSent     Outcome = "confirmation_sent"
	EmailChanged         Outcome = "email_changed"
	Reverted             Outcome = "reverted"
	VerificationRequired Outcome = "verification_required"
)

// Result is the success outcome of a transition. The caller dispatches any
// follow-up (response shaping, events) from it; the service itself never
// touches HTTP.
type Result struct {
	Outcome       Outcome
	User          *database.User
	RevertOffered bool
	Redirect      string
}

// Requester identifies the authenticated account asking for the change.
type Requester struct {
	Email string
	Name  string
}

type Service struct {
	store    Store
	notifier Notifier
	verifier *Verifier
	tokens   TokenIssuer
	cfg      Config
	log      *zap.Logger

	// OnUnverified, when set, handles accounts whose current email has not
	// been verified yet by redirecting into the resend-verification flow
	// instead of failing the request.
	OnUnverified func(user *database.User) string
}

func NewService(store Store, notifier Notifier, verifier *Verifier, cfg Config, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		verifier: verifier,
		cfg:      cfg,
		log:      log,
	}
}

var emailPattern = regexp.MustCompile(`^(([^<>()\[\]\.,;:\s@"]+(\.[^<>()\[\]\.,;:\s@"]+)*)|(".+"))@([^<>()\[\]\.,;:\s@"]+\.)+[a-zA-Z]{2,}$`)

func validEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// RequestChange runs the first phase: verify the caller, park the new
// address as pending and mail a confirmation link. The in-use check runs
// before credential verification so a failed password cannot be used to
// probe whether an address is taken.
func (s *Service) RequestChange(ctx context.Context, requester Requester, newEmail, password string, scope Filter) (*Result, error) {
	if newEmail == "" || !validEmail(newEmail) {
		return nil, flowErr(CodeInvalidEmail, "The email is invalid")
	}
	if password == "" {
		return nil, flowErr(CodePasswordRequired, "Please enter your password")
	}

	taken, err := s.store.Find(ctx, FieldEmail, newEmail, scope.Without(FieldEmail))
	if err != nil {
		return nil, fmt.Errorf("look up new email: %w", err)
	}
	if taken != nil {
		return nil, flowErr(CodeEmailInUse, "That email is already in use")
	}

	field, value := FieldEmail, requester.Email
	if s.cfg.IdentityMode == ResolveByName || requester.Email == "" {
		field, value = FieldName, requester.Name
	}

	user, err := s.store.Find(ctx, field, value, scope.Without(field))
	if err != nil {
		return nil, fmt.Errorf("look up requesting account: %w", err)
	}
	if user == nil {
		return nil, flowErr(CodeUserNotFound, "User not found")
	}
	if user.AccountInvalid {
		return nil, flowErr(CodeAccountInvalid, "Your current account is invalid")
	}
	if user.Email != "" && !user.EmailVerified {
		if s.OnUnverified != nil {
			return &Result{
				Outcome:  VerificationRequired,
				User:     user,
				Redirect: s.OnUnverified(user),
			}, nil
		}
		return nil, flowErr(CodeEmailNotVerified, "Your current email has not been verified")
	}

	if err := s.verifier.Verify(ctx, user, password); err != nil {
		return nil, err
	}

	// A fresh request supersedes any open revert window; only one phase may
	// be pending at a time.
	user.RevertToken = ""
	user.RevertTokenExpires = nil
	user.OldEmail = ""

	token, expires := s.tokens.Issue(s.cfg.ChangeTokenExpiry)
	user.PendingEmail = newEmail
	user.ChangeToken = token
	user.ChangeTokenExpires = &expires

	if user, err = s.store.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("persist pending email change: %w", err)
	}

	// The link goes to the current verified address when there is one, so
	// the legitimate owner hears about the request. Only an account with no
	// address on file gets the link at the new address.
	to := user.Email
	if to == "" {
		to = newEmail
	}
	if err := s.notifier.SendChangeConfirmation(ctx, user.Name, to, token); err != nil {
		return nil, fmt.Errorf("send change confirmation: %w", err)
	}

	s.log.Info("email change requested",
		zap.String("user_id", user.ID.String()),
		zap.String("pending_email", newEmail))

	return &Result{Outcome: ConfirmationSent, User: user}, nil
}

// ConfirmToken redeems a link token. The same URL space serves both the
// change confirmation and the revert link, so a miss on the change token
// falls through to a revert lookup.
func (s *Service) ConfirmToken(ctx context.Context, token string, scope Filter) (*Result, error) {
	if !s.tokens.IsWellFormed(token) {
		return nil, flowErr(CodeInvalidToken, "Invalid token")
	}

	user, err := s.store.Find(ctx, FieldChangeToken, token, scope.Without(FieldChangeToken))
	if err != nil {
		return nil, fmt.Errorf("look up change token: %w", err)
	}
	if user == nil {
		return s.confirmRevert(ctx, token, scope)
	}

	if user.ChangeTokenExpires == nil || user.ChangeTokenExpires.Before(time.Now()) {
		user.ChangeToken = ""
		user.ChangeTokenExpires = nil
		user.PendingEmail = ""
		if _, err := s.store.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("clear expired change token: %w", err)
		}
		return nil, flowErr(CodeLinkExpired, "The link has expired")
	}

	user.ChangeToken = ""
	user.ChangeTokenExpires = nil
	if user.Email != "" {
		user.OldEmail = user.Email
	} else {
		user.OldEmail = ""
	}
	user.Email = user.PendingEmail
	user.PendingEmail = ""
	// The confirmation link went to the previous inbox, so the new address
	// is unproven until it passes verification itself.
	user.EmailVerified = false

	if user, err = s.store.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("persist email change: %w", err)
	}

	if user.OldEmail == "" {
		// First address on the account, nothing to revert to.
		s.log.Info("email changed", zap.String("user_id", user.ID.String()))
		return &Result{Outcome: EmailChanged, User: user}, nil
	}

	revertToken, expires := s.tokens.Issue(s.cfg.RevertTokenExpiry)
	user.RevertToken = revertToken
	user.RevertTokenExpires = &expires
	if user, err = s.store.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("persist revert token: %w", err)
	}
	if err := s.notifier.SendRevertLink(ctx, user.Name, user.OldEmail, revertToken); err != nil {
		return nil, fmt.Errorf("send revert link: %w", err)
	}

	s.log.Info("email changed, revert window open",
		zap.String("user_id", user.ID.String()),
		zap.String("old_email", user.OldEmail))

	return &Result{Outcome: EmailChanged, User: user, RevertOffered: true}, nil
}

func (s *Service) confirmRevert(ctx context.Context, token string, scope Filter) (*Result, error) {
	user, err := s.store.Find(ctx, FieldRevertToken, token, scope.Without(FieldRevertToken))
	if err != nil {
		return nil, fmt.Errorf("look up revert token: %w", err)
	}
	if user == nil {
		return nil, flowErr(CodeInvalidToken, "That link is invalid")
	}

	if user.RevertTokenExpires == nil || user.RevertTokenExpires.Before(time.Now()) {
		user.RevertToken = ""
		user.RevertTokenExpires = nil
		user.OldEmail = ""
		if _, err := s.store.Update(ctx, user); err != nil {
			return nil, fmt.Errorf("clear expired revert token: %w", err)
		}
		return nil, flowErr(CodeLinkExpired, "The link has expired")
	}

	user.RevertToken = ""
	user.RevertTokenExpires = nil
	user.Email = user.OldEmail
	user.OldEmail = ""
	// The restored address was verified before the change.
	user.EmailVerified = true

	if user, err = s.store.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("persist email revert: %w", err)
	}

	s.log.Info("email change reverted", zap.String("user_id", user.ID.String()))

	return &Result{Outcome: Reverted, User: user}, nil
}
