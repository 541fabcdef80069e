package changeemail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lockgate/internal/database"
	"lockgate/pkg/crypto"
)

// --- fakes ---

type fakeStore struct {
	users   []*database.User
	updates int
	findErr error
	updErr  error

	finds  []string // fields looked up, in order
	scopes []Filter // scope passed to each Find
}

func (f *fakeStore) Find(ctx context.Context, field string, value any, scope Filter) (*database.User, error) {
	f.finds = append(f.finds, field)
	f.scopes = append(f.scopes, scope)
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, u := range f.users {
		var match bool
		switch field {
		case FieldEmail:
			match = u.Email == value
		case FieldName:
			match = u.Name == value
		case FieldChangeToken:
			match = u.ChangeToken != "" && u.ChangeToken == value
		case FieldRevertToken:
			match = u.RevertToken != "" && u.RevertToken == value
		}
		if !match {
			continue
		}
		if org, ok := scope["organization_id"]; ok {
			if u.OrganizationID == nil || u.OrganizationID.String() != org {
				continue
			}
		}
		return u, nil
	}
	return nil, nil
}

func (f *fakeStore) Update(ctx context.Context, u *database.User) (*database.User, error) {
	if f.updErr != nil {
		return nil, f.updErr
	}
	f.updates++
	return u, nil
}

type notifyCall struct {
	name, to, token string
}

type fakeNotifier struct {
	changeCalls []notifyCall
	revertCalls []notifyCall
	changeErr   error
	revertErr   error
}

func (f *fakeNotifier) SendChangeConfirmation(ctx context.Context, name, to, token string) error {
	f.changeCalls = append(f.changeCalls, notifyCall{name, to, token})
	return f.changeErr
}

func (f *fakeNotifier) SendRevertLink(ctx context.Context, name, to, token string) error {
	f.revertCalls = append(f.revertCalls, notifyCall{name, to, token})
	return f.revertErr
}

func testUser(email, password string) *database.User {
	salt, _ := crypto.NewSalt()
	return &database.User{
		ID:            uuid.New(),
		Name:          "alice",
		Email:         email,
		EmailVerified: true,
		PasswordSalt:  salt,
		PasswordHash:  crypto.DerivePassword(password, salt, 0),
	}
}

func newTestService(store *fakeStore, notifier *fakeNotifier) *Service {
	verifier := NewVerifier(store, LockoutConfig{
		LockoutThreshold: 5,
		WarningThreshold: 3,
		LockedDuration:   20 * time.Minute,
	})
	return NewService(store, notifier, verifier, Config{
		ChangeTokenExpiry: time.Hour,
		RevertTokenExpiry: 2 * time.Hour,
	}, zap.NewNop())
}

func flowCode(t *testing.T, err error) Code {
	t.Helper()
	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	return ferr.Code
}

// --- request change ---

func TestRequestChangeRejectsMalformedEmail(t *testing.T) {
	testCases := []string{
		"",
		"missing-at.example.com",
		"user@nodot",
		"user@example.",
		"user@example.c",
		"us er@example.com",
	}

	for _, email := range testCases {
		t.Run(email, func(t *testing.T) {
			store := &fakeStore{}
			s := newTestService(store, &fakeNotifier{})

			_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, email, "secret", nil)
			require.Equal(t, CodeInvalidEmail, flowCode(t, err))
			require.Empty(t, store.finds)
			require.Zero(t, store.updates)
		})
	}
}

func TestRequestChangePasswordRequired(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "", nil)
	require.Equal(t, CodePasswordRequired, flowCode(t, err))
	require.Zero(t, store.updates)
}

func TestRequestChangeEmailInUse(t *testing.T) {
	other := testUser("b@x.com", "other")
	store := &fakeStore{users: []*database.User{other, testUser("a@x.com", "secret")}}
	s := newTestService(store, &fakeNotifier{})

	// Wrong password on purpose: the in-use check must win before the
	// credential verifier ever runs.
	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "wrong", nil)
	require.Equal(t, CodeEmailInUse, flowCode(t, err))
	require.Equal(t, []string{FieldEmail}, store.finds)
	require.Zero(t, store.updates)
}

func TestRequestChangeUserNotFound(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "ghost@x.com"}, "b@x.com", "secret", nil)
	require.Equal(t, CodeUserNotFound, flowCode(t, err))
}

func TestRequestChangeAccountInvalid(t *testing.T) {
	user := testUser("a@x.com", "secret")
	user.AccountInvalid = true
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.Equal(t, CodeAccountInvalid, flowCode(t, err))
}

func TestRequestChangeEmailNotVerified(t *testing.T) {
	user := testUser("a@x.com", "secret")
	user.EmailVerified = false
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.Equal(t, CodeEmailNotVerified, flowCode(t, err))
}

func TestRequestChangeUnverifiedWithHook(t *testing.T) {
	user := testUser("a@x.com", "secret")
	user.EmailVerified = false
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})
	s.OnUnverified = func(u *database.User) string { return "/account/resend-verification" }

	res, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.NoError(t, err)
	require.Equal(t, VerificationRequired, res.Outcome)
	require.Equal(t, "/account/resend-verification", res.Redirect)
	require.Zero(t, store.updates)
}

func TestRequestChangeWrongPassword(t *testing.T) {
	user := testUser("a@x.com", "secret")
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "wrong", nil)
	require.Equal(t, CodeInvalidCredentials, flowCode(t, err))
	require.Equal(t, 1, user.FailedLoginAttempts)
	require.Equal(t, 1, store.updates)
	require.Empty(t, user.ChangeToken)
}

func TestRequestChangeHappyPath(t *testing.T) {
	user := testUser("a@x.com", "secret")
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{}
	s := newTestService(store, notifier)

	res, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.NoError(t, err)
	require.Equal(t, ConfirmationSent, res.Outcome)

	require.Equal(t, "b@x.com", user.PendingEmail)
	require.True(t, s.tokens.IsWellFormed(user.ChangeToken))
	require.NotNil(t, user.ChangeTokenExpires)
	require.WithinDuration(t, time.Now().Add(time.Hour), *user.ChangeTokenExpires, time.Minute)
	require.Equal(t, "a@x.com", user.Email)
	require.Equal(t, 1, store.updates)

	require.Len(t, notifier.changeCalls, 1)
	require.Equal(t, notifyCall{"alice", "a@x.com", user.ChangeToken}, notifier.changeCalls[0])
}

func TestRequestChangeNotifiesNewAddressWithoutCurrentEmail(t *testing.T) {
	user := testUser("", "secret")
	user.EmailVerified = false
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{}
	s := newTestService(store, notifier)

	// No email on file resolves the requester by name instead.
	res, err := s.RequestChange(context.Background(), Requester{Name: "alice"}, "b@x.com", "secret", nil)
	require.NoError(t, err)
	require.Equal(t, ConfirmationSent, res.Outcome)
	require.Equal(t, []string{FieldEmail, FieldName}, store.finds)

	require.Len(t, notifier.changeCalls, 1)
	require.Equal(t, "b@x.com", notifier.changeCalls[0].to)
}

func TestRequestChangeClearsOpenRevertWindow(t *testing.T) {
	user := testUser("a@x.com", "secret")
	expires := time.Now().Add(time.Hour)
	user.OldEmail = "old@x.com"
	user.RevertToken = uuid.NewString()
	user.RevertTokenExpires = &expires
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.NoError(t, err)
	require.Empty(t, user.RevertToken)
	require.Nil(t, user.RevertTokenExpires)
	require.Empty(t, user.OldEmail)
}

func TestRequestChangeScopeExcludesMatchedField(t *testing.T) {
	orgID := uuid.New()
	user := testUser("a@x.com", "secret")
	user.OrganizationID = &orgID
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	scope := Filter{FieldEmail: "stale@x.com", "organization_id": orgID.String()}
	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", scope)
	require.NoError(t, err)

	// Both lookups matched on email, so neither may carry the email filter
	// entry; the tenant filter stays.
	for _, seen := range store.scopes {
		require.NotContains(t, seen, FieldEmail)
		require.Contains(t, seen, "organization_id")
	}
}

func TestRequestChangeResolveByName(t *testing.T) {
	user := testUser("a@x.com", "secret")
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{}
	verifier := NewVerifier(store, LockoutConfig{LockoutThreshold: 5, WarningThreshold: 3, LockedDuration: 20 * time.Minute})
	s := NewService(store, notifier, verifier, Config{
		ChangeTokenExpiry: time.Hour,
		RevertTokenExpiry: 2 * time.Hour,
		IdentityMode:      ResolveByName,
	}, zap.NewNop())

	res, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com", Name: "alice"}, "b@x.com", "secret", nil)
	require.NoError(t, err)
	require.Equal(t, ConfirmationSent, res.Outcome)
	require.Equal(t, []string{FieldEmail, FieldName}, store.finds)
}

func TestRequestChangeStoreError(t *testing.T) {
	store := &fakeStore{findErr: errors.New("boom")}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.Error(t, err)
	var ferr *FlowError
	require.False(t, errors.As(err, &ferr))
}

func TestRequestChangeNotifyErrorKeepsToken(t *testing.T) {
	user := testUser("a@x.com", "secret")
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{changeErr: errors.New("smtp down")}
	s := newTestService(store, notifier)

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.Error(t, err)

	// The persisted token stays valid; the user can be reached out of band.
	require.NotEmpty(t, user.ChangeToken)
	require.Equal(t, "b@x.com", user.PendingEmail)
	require.Equal(t, 1, store.updates)
}

// --- confirm / revert ---

func pendingChangeUser(t *testing.T) (*database.User, string) {
	t.Helper()
	user := testUser("a@x.com", "secret")
	token := uuid.NewString()
	expires := time.Now().Add(time.Hour)
	user.PendingEmail = "b@x.com"
	user.ChangeToken = token
	user.ChangeTokenExpires = &expires
	return user, token
}

func TestConfirmTokenMalformed(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.ConfirmToken(context.Background(), "not-a-token", nil)
	require.Equal(t, CodeInvalidToken, flowCode(t, err))
	require.Empty(t, store.finds)
}

func TestConfirmTokenCommitsChange(t *testing.T) {
	user, token := pendingChangeUser(t)
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{}
	s := newTestService(store, notifier)

	res, err := s.ConfirmToken(context.Background(), token, nil)
	require.NoError(t, err)
	require.Equal(t, EmailChanged, res.Outcome)
	require.True(t, res.RevertOffered)

	require.Equal(t, "b@x.com", user.Email)
	require.Equal(t, "a@x.com", user.OldEmail)
	require.Empty(t, user.PendingEmail)
	require.Empty(t, user.ChangeToken)
	require.Nil(t, user.ChangeTokenExpires)
	require.False(t, user.EmailVerified)

	require.True(t, s.tokens.IsWellFormed(user.RevertToken))
	require.NotNil(t, user.RevertTokenExpires)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), *user.RevertTokenExpires, time.Minute)
	require.Equal(t, 2, store.updates)

	require.Len(t, notifier.revertCalls, 1)
	require.Equal(t, notifyCall{"alice", "a@x.com", user.RevertToken}, notifier.revertCalls[0])
}

func TestConfirmTokenFirstEmailSkipsRevert(t *testing.T) {
	user, token := pendingChangeUser(t)
	user.Email = ""
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{}
	s := newTestService(store, notifier)

	res, err := s.ConfirmToken(context.Background(), token, nil)
	require.NoError(t, err)
	require.Equal(t, EmailChanged, res.Outcome)
	require.False(t, res.RevertOffered)

	require.Equal(t, "b@x.com", user.Email)
	require.Empty(t, user.OldEmail)
	require.Empty(t, user.RevertToken)
	require.Nil(t, user.RevertTokenExpires)
	require.Equal(t, 1, store.updates)
	require.Empty(t, notifier.revertCalls)
}

func TestConfirmTokenExpired(t *testing.T) {
	user, token := pendingChangeUser(t)
	expired := time.Now().Add(-time.Minute)
	user.ChangeTokenExpires = &expired
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.ConfirmToken(context.Background(), token, nil)
	require.Equal(t, CodeLinkExpired, flowCode(t, err))

	require.Empty(t, user.ChangeToken)
	require.Nil(t, user.ChangeTokenExpires)
	require.Empty(t, user.PendingEmail)
	require.Equal(t, "a@x.com", user.Email)
	require.Equal(t, 1, store.updates)
}

func TestConfirmTokenSecondUseFallsThrough(t *testing.T) {
	user, token := pendingChangeUser(t)
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.ConfirmToken(context.Background(), token, nil)
	require.NoError(t, err)

	// The change token was consumed, so a replay misses the change lookup,
	// falls through to the revert lookup and ends as an invalid link.
	store.finds = nil
	_, err = s.ConfirmToken(context.Background(), token, nil)
	require.Equal(t, CodeInvalidToken, flowCode(t, err))
	require.Equal(t, []string{FieldChangeToken, FieldRevertToken}, store.finds)
}

func TestConfirmRevert(t *testing.T) {
	user := testUser("b@x.com", "secret")
	token := uuid.NewString()
	expires := time.Now().Add(time.Hour)
	user.OldEmail = "a@x.com"
	user.RevertToken = token
	user.RevertTokenExpires = &expires
	user.EmailVerified = false
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	res, err := s.ConfirmToken(context.Background(), token, nil)
	require.NoError(t, err)
	require.Equal(t, Reverted, res.Outcome)

	require.Equal(t, "a@x.com", user.Email)
	require.Empty(t, user.OldEmail)
	require.Empty(t, user.RevertToken)
	require.Nil(t, user.RevertTokenExpires)
	require.True(t, user.EmailVerified)
	require.Equal(t, 1, store.updates)
}

func TestConfirmRevertExpired(t *testing.T) {
	user := testUser("b@x.com", "secret")
	token := uuid.NewString()
	expired := time.Now().Add(-time.Minute)
	user.OldEmail = "a@x.com"
	user.RevertToken = token
	user.RevertTokenExpires = &expired
	store := &fakeStore{users: []*database.User{user}}
	s := newTestService(store, &fakeNotifier{})

	_, err := s.ConfirmToken(context.Background(), token, nil)
	require.Equal(t, CodeLinkExpired, flowCode(t, err))

	require.Empty(t, user.RevertToken)
	require.Nil(t, user.RevertTokenExpires)
	require.Empty(t, user.OldEmail)
	require.Equal(t, "b@x.com", user.Email)
	require.Equal(t, 1, store.updates)
}

func TestChangeAndRevertRoundTrip(t *testing.T) {
	user := testUser("a@x.com", "secret")
	store := &fakeStore{users: []*database.User{user}}
	notifier := &fakeNotifier{}
	s := newTestService(store, notifier)

	_, err := s.RequestChange(context.Background(), Requester{Email: "a@x.com"}, "b@x.com", "secret", nil)
	require.NoError(t, err)

	res, err := s.ConfirmToken(context.Background(), user.ChangeToken, nil)
	require.NoError(t, err)
	require.Equal(t, EmailChanged, res.Outcome)
	require.Equal(t, "b@x.com", user.Email)

	res, err = s.ConfirmToken(context.Background(), user.RevertToken, nil)
	require.NoError(t, err)
	require.Equal(t, Reverted, res.Outcome)
	require.Equal(t, "a@x.com", user.Email)
}
