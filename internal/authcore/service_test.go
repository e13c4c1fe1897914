package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedMessage struct {
	recipient string
	subject   string
	textBody  string
}

type recordingNotifier struct {
	mutex    sync.Mutex
	messages []recordedMessage
	fail     bool
}

func (notifier *recordingNotifier) Notify(ctx context.Context, recipient string, subject string, textBody string, htmlBody string) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if notifier.fail {
		return errors.New("forced notification failure")
	}
	notifier.messages = append(notifier.messages, recordedMessage{
		recipient: recipient,
		subject:   subject,
		textBody:  textBody,
	})
	return nil
}

// lastSecret pulls the one-time secret out of the most recent message body.
func (notifier *recordingNotifier) lastSecret(t *testing.T) string {
	t.Helper()
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	if len(notifier.messages) == 0 {
		t.Fatalf("expected at least one notification")
	}
	body := notifier.messages[len(notifier.messages)-1].textBody
	separator := strings.LastIndex(body, ": ")
	if separator < 0 {
		t.Fatalf("expected secret in message body %q", body)
	}
	return body[separator+2:]
}

type serviceFixture struct {
	service  *Service
	accounts *MemoryAccountStore
	sessions *MemoryRefreshSessionStore
	tokens   *MemoryOneTimeTokenStore
	notifier *recordingNotifier
	clock    *fixedClock
	signer   *Signer
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	accounts := NewMemoryAccountStore()
	sessions := NewMemoryRefreshSessionStore()
	sessions.now = clock.Now
	tokens := NewMemoryOneTimeTokenStore()
	tokens.now = clock.Now
	notifier := &recordingNotifier{}
	configuration := testSignerConfig()
	signer := NewSigner(configuration, clock)
	cascade := NewCascadeController(sessions, nil, nil)
	service := NewService(configuration, accounts, sessions, tokens, signer, cascade, notifier, nil, NewCounterMetrics(), clock)
	return &serviceFixture{
		service:  service,
		accounts: accounts,
		sessions: sessions,
		tokens:   tokens,
		notifier: notifier,
		clock:    clock,
		signer:   signer,
	}
}

// registerVerified registers an account and walks the verify-email flow.
func (fixture *serviceFixture) registerVerified(t *testing.T, email string, password string) Account {
	t.Helper()
	account, registerErr := fixture.service.Register(context.Background(), email, password)
	if registerErr != nil {
		t.Fatalf("register error: %v", registerErr)
	}
	secret := fixture.notifier.lastSecret(t)
	verified, verifyErr := fixture.service.VerifyEmail(context.Background(), secret)
	if verifyErr != nil {
		t.Fatalf("verify error: %v", verifyErr)
	}
	if verified.ID != account.ID {
		t.Fatalf("expected verification of %s, got %s", account.ID, verified.ID)
	}
	return verified
}

func TestLoginIssuesUsableSessionPair(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "A@X.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}

	claims, verifyErr := fixture.signer.VerifyAccessToken(pair.AccessToken)
	if verifyErr != nil {
		t.Fatalf("access token verify error: %v", verifyErr)
	}
	if claims.AccountEmail != "a@x.com" {
		t.Fatalf("expected normalized email in claims, got %s", claims.AccountEmail)
	}

	session, lookupErr := fixture.sessions.Lookup(context.Background(), pair.RefreshToken)
	if lookupErr != nil {
		t.Fatalf("session lookup error: %v", lookupErr)
	}
	if session.RevokedAtUnix != 0 {
		t.Fatalf("expected live session")
	}
	if !time.Unix(session.ExpiresUnix, 0).After(fixture.clock.Now()) {
		t.Fatalf("expected session expiry in the future")
	}

	account, findErr := fixture.accounts.FindAccountByEmail(context.Background(), "a@x.com")
	if findErr != nil {
		t.Fatalf("find error: %v", findErr)
	}
	if account.LastLoginAtUnix != fixture.clock.Now().Unix() {
		t.Fatalf("expected last login timestamp to be recorded")
	}
}

func TestLoginRejectsUnknownAndWrongPasswordAlike(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	_, unknownErr := fixture.service.Login(context.Background(), "nobody@x.com", "password-one")
	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", unknownErr)
	}
	_, wrongErr := fixture.service.Login(context.Background(), "a@x.com", "wrong-password")
	if !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", wrongErr)
	}
}

func TestLoginEligibilityGates(t *testing.T) {
	fixture := newServiceFixture(t)

	if _, err := fixture.service.Register(context.Background(), "unverified@x.com", "password-one"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "unverified@x.com", "password-one"); !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}

	account := fixture.registerVerified(t, "deleted@x.com", "password-one")
	if err := fixture.service.Deactivate(context.Background(), account.ID); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "deleted@x.com", "password-one"); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	second, refreshErr := fixture.service.Refresh(context.Background(), pair.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("refresh error: %v", refreshErr)
	}
	if second.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected rotation to mint a fresh refresh token")
	}

	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected ErrReauthenticationRequired on replay, got %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), second.RefreshToken); err != nil {
		t.Fatalf("expected replacement token to rotate, got %v", err)
	}
}

func TestRefreshCollapsesAllSessionErrors(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	if _, err := fixture.service.Refresh(context.Background(), "never-issued-token"); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected ErrReauthenticationRequired for unknown token, got %v", err)
	}

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}
	fixture.clock.Advance(25 * 24 * time.Hour)
	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected ErrReauthenticationRequired for expired session, got %v", err)
	}
}

func TestRefreshBindsCurrentRoleAndEmail(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	// Mutate the role directly in the store so the session survives; ChangeRole
	// would cascade and kill it.
	stored, findErr := fixture.accounts.FindAccountByID(context.Background(), account.ID)
	if findErr != nil {
		t.Fatalf("find error: %v", findErr)
	}
	stored.Role = RoleAdmin
	if err := fixture.accounts.UpdateAccount(context.Background(), stored); err != nil {
		t.Fatalf("update error: %v", err)
	}

	refreshed, refreshErr := fixture.service.Refresh(context.Background(), pair.RefreshToken)
	if refreshErr != nil {
		t.Fatalf("refresh error: %v", refreshErr)
	}
	claims, verifyErr := fixture.signer.VerifyAccessToken(refreshed.AccessToken)
	if verifyErr != nil {
		t.Fatalf("verify error: %v", verifyErr)
	}
	if claims.AccountRole != string(RoleAdmin) {
		t.Fatalf("expected refreshed token to carry current role, got %s", claims.AccountRole)
	}
}

func TestLogoutRevokesOnlyNamedSessionAndIsIdempotent(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	first, firstErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if firstErr != nil {
		t.Fatalf("login error: %v", firstErr)
	}
	second, secondErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if secondErr != nil {
		t.Fatalf("login error: %v", secondErr)
	}

	if err := fixture.service.Logout(context.Background(), first.RefreshToken); err != nil {
		t.Fatalf("logout error: %v", err)
	}
	if err := fixture.service.Logout(context.Background(), first.RefreshToken); err != nil {
		t.Fatalf("expected idempotent logout, got %v", err)
	}
	if err := fixture.service.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("expected logout of unknown token to ack, got %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected logged-out session to be dead, got %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), second.RefreshToken); err != nil {
		t.Fatalf("expected other session to survive logout, got %v", err)
	}
}

func TestChangePasswordCascadesAllSessions(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	first, firstErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if firstErr != nil {
		t.Fatalf("login error: %v", firstErr)
	}
	second, secondErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if secondErr != nil {
		t.Fatalf("login error: %v", secondErr)
	}

	if err := fixture.service.ChangePassword(context.Background(), account.ID, "password-one", "password-two"); err != nil {
		t.Fatalf("change password error: %v", err)
	}

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		if _, err := fixture.service.Refresh(context.Background(), token); !errors.Is(err, ErrReauthenticationRequired) {
			t.Fatalf("expected cascade to kill session, got %v", err)
		}
	}

	if _, err := fixture.service.Login(context.Background(), "a@x.com", "password-one"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to be rejected, got %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "a@x.com", "password-two"); err != nil {
		t.Fatalf("expected new password to work, got %v", err)
	}
}

func TestChangePasswordRequiresCurrentPassword(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	err := fixture.service.ChangePassword(context.Background(), account.ID, "wrong-current", "password-two")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	if err := fixture.service.RequestPasswordReset(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("reset request error: %v", err)
	}
	secret := fixture.notifier.lastSecret(t)

	if err := fixture.service.ResetPassword(context.Background(), secret, "password-three"); err != nil {
		t.Fatalf("reset error: %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected reset to cascade sessions, got %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "a@x.com", "password-three"); err != nil {
		t.Fatalf("expected new password to work, got %v", err)
	}

	if err := fixture.service.ResetPassword(context.Background(), secret, "password-four"); !errors.Is(err, ErrOneTimeTokenAlreadyUsed) {
		t.Fatalf("expected ErrOneTimeTokenAlreadyUsed on reuse, got %v", err)
	}
}

func TestPasswordResetRequestDoesNotRevealAccounts(t *testing.T) {
	fixture := newServiceFixture(t)
	if err := fixture.service.RequestPasswordReset(context.Background(), "nobody@x.com"); err != nil {
		t.Fatalf("expected silent success for unknown email, got %v", err)
	}
	if len(fixture.notifier.messages) != 0 {
		t.Fatalf("expected no notification for unknown email")
	}
}

func TestPasswordResetTokenExpiry(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")

	if err := fixture.service.RequestPasswordReset(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("reset request error: %v", err)
	}
	secret := fixture.notifier.lastSecret(t)

	fixture.clock.Advance(25 * time.Hour)
	if err := fixture.service.ResetPassword(context.Background(), secret, "password-two"); !errors.Is(err, ErrOneTimeTokenExpired) {
		t.Fatalf("expected ErrOneTimeTokenExpired after 25h, got %v", err)
	}

	if err := fixture.service.ResetPassword(context.Background(), "c29tZS1uZXZlci1pc3N1ZWQtc2VjcmV0", "password-two"); !errors.Is(err, ErrOneTimeTokenNotFound) {
		t.Fatalf("expected ErrOneTimeTokenNotFound for never-issued secret, got %v", err)
	}
}

func TestVerifyEmailTokenIsSingleUse(t *testing.T) {
	fixture := newServiceFixture(t)
	if _, err := fixture.service.Register(context.Background(), "a@x.com", "password-one"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	secret := fixture.notifier.lastSecret(t)

	if _, err := fixture.service.VerifyEmail(context.Background(), secret); err != nil {
		t.Fatalf("verify error: %v", err)
	}
	if _, err := fixture.service.VerifyEmail(context.Background(), secret); !errors.Is(err, ErrOneTimeTokenAlreadyUsed) {
		t.Fatalf("expected ErrOneTimeTokenAlreadyUsed, got %v", err)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	fixture := newServiceFixture(t)
	if _, err := fixture.service.Register(context.Background(), "a@x.com", "password-one"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	if _, err := fixture.service.Register(context.Background(), "A@x.com", "password-two"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	fixture := newServiceFixture(t)
	if _, err := fixture.service.Register(context.Background(), "a@x.com", "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
}

func TestChangeRoleCascadesAndAudits(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	if err := fixture.service.ChangeRole(context.Background(), account.ID, RoleAdmin); err != nil {
		t.Fatalf("change role error: %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected role change to cascade, got %v", err)
	}

	entries, listErr := fixture.accounts.ListAudit(context.Background(), account.ID)
	if listErr != nil {
		t.Fatalf("audit list error: %v", listErr)
	}
	var foundRoleChange bool
	for _, entry := range entries {
		if entry.Field == "role" && entry.OldValue == string(RoleViewer) && entry.NewValue == string(RoleAdmin) {
			foundRoleChange = true
		}
	}
	if !foundRoleChange {
		t.Fatalf("expected role change audit entry, got %+v", entries)
	}

	// Same role again is a no-op and must not cascade fresh sessions.
	fresh, freshErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if freshErr != nil {
		t.Fatalf("login error: %v", freshErr)
	}
	if err := fixture.service.ChangeRole(context.Background(), account.ID, RoleAdmin); err != nil {
		t.Fatalf("repeat change role error: %v", err)
	}
	if _, err := fixture.service.Refresh(context.Background(), fresh.RefreshToken); err != nil {
		t.Fatalf("expected no-op role change to keep sessions, got %v", err)
	}
}

// liveSessionCount reports how many unrevoked sessions the account holds.
func (fixture *serviceFixture) liveSessionCount(accountID string) int {
	fixture.sessions.mutex.Lock()
	defer fixture.sessions.mutex.Unlock()
	count := 0
	for _, record := range fixture.sessions.byID {
		if record.AccountID == accountID && record.RevokedAtUnix == 0 {
			count++
		}
	}
	return count
}

func TestChangeEmailCascadesSessions(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	if err := fixture.service.ChangeEmail(context.Background(), account.ID, "b@y.com"); err != nil {
		t.Fatalf("change email error: %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected email change to cascade sessions, got %v", err)
	}
	if live := fixture.liveSessionCount(account.ID); live != 0 {
		t.Fatalf("expected no live sessions after email change, got %d", live)
	}
}

func TestRefreshDiscardsReplacementWhenAccountIneligible(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	// Flip verification directly in the store so the session itself stays
	// live and only the post-rotation eligibility gate rejects.
	stored, findErr := fixture.accounts.FindAccountByID(context.Background(), account.ID)
	if findErr != nil {
		t.Fatalf("find error: %v", findErr)
	}
	stored.EmailVerified = false
	if err := fixture.accounts.UpdateAccount(context.Background(), stored); err != nil {
		t.Fatalf("update error: %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected ErrReauthenticationRequired, got %v", err)
	}
	if live := fixture.liveSessionCount(account.ID); live != 0 {
		t.Fatalf("expected rotation replacement to be revoked, got %d live sessions", live)
	}
}

func TestChangeEmailMarksUnverifiedAndIssuesToken(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	if err := fixture.service.ChangeEmail(context.Background(), account.ID, "B@Y.com"); err != nil {
		t.Fatalf("change email error: %v", err)
	}

	if _, err := fixture.service.Login(context.Background(), "b@y.com", "password-one"); !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected email change to require reverification, got %v", err)
	}

	secret := fixture.notifier.lastSecret(t)
	if _, err := fixture.service.VerifyEmail(context.Background(), secret); err != nil {
		t.Fatalf("verify error: %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "b@y.com", "password-one"); err != nil {
		t.Fatalf("expected login after reverification, got %v", err)
	}
}

func TestChangeEmailRejectsTakenAddress(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.registerVerified(t, "a@x.com", "password-one")
	other := fixture.registerVerified(t, "b@x.com", "password-one")

	if err := fixture.service.ChangeEmail(context.Background(), other.ID, "a@x.com"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestDeactivateCascadesAndBlocksRefresh(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	pair, loginErr := fixture.service.Login(context.Background(), "a@x.com", "password-one")
	if loginErr != nil {
		t.Fatalf("login error: %v", loginErr)
	}

	if err := fixture.service.Deactivate(context.Background(), account.ID); err != nil {
		t.Fatalf("deactivate error: %v", err)
	}
	if err := fixture.service.Deactivate(context.Background(), account.ID); err != nil {
		t.Fatalf("expected idempotent deactivate, got %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, ErrReauthenticationRequired) {
		t.Fatalf("expected deactivation to cascade sessions, got %v", err)
	}
}

func TestNotificationFailureIsNonFatal(t *testing.T) {
	fixture := newServiceFixture(t)
	account := fixture.registerVerified(t, "a@x.com", "password-one")

	fixture.notifier.fail = true
	if err := fixture.service.ChangePassword(context.Background(), account.ID, "password-one", "password-two"); err != nil {
		t.Fatalf("expected password change despite notification failure, got %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), "a@x.com", "password-two"); err != nil {
		t.Fatalf("expected new password to work, got %v", err)
	}
}
