package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken        string
	AccessExpiresUnix  int64
	RefreshToken       string
	RefreshExpiresUnix int64
}

// Service orchestrates login, refresh, logout, and the credential-lifecycle
// flows over the stores, signer, cascade controller, and notifier. It holds
// no mutable state of its own and is safe for concurrent use.
type Service struct {
	configuration ServiceConfig
	accounts      AccountStore
	sessions      RefreshSessionStore
	oneTimeTokens OneTimeTokenStore
	signer        *Signer
	cascade       *CascadeController
	notifier      Notifier
	logger        *zap.Logger
	metrics       MetricsRecorder
	clock         Clock
}

// NewService wires the issuance service. Logger, metrics, and clock may be
// nil; store and signer dependencies are required.
func NewService(configuration ServiceConfig, accounts AccountStore, sessions RefreshSessionStore, oneTimeTokens OneTimeTokenStore, signer *Signer, cascade *CascadeController, notifier Notifier, logger *zap.Logger, metrics MetricsRecorder, clock Clock) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Service{
		configuration: configuration,
		accounts:      accounts,
		sessions:      sessions,
		oneTimeTokens: oneTimeTokens,
		signer:        signer,
		cascade:       cascade,
		notifier:      notifier,
		logger:        logger,
		metrics:       metrics,
		clock:         clock,
	}
}

// Login verifies credentials, applies the eligibility gates, and issues a
// fresh access token and refresh session. Unknown email and wrong password
// both surface as ErrInvalidCredentials.
func (service *Service) Login(ctx context.Context, email string, password string) (TokenPair, error) {
	account, findErr := service.accounts.FindAccountByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrAccountNotFound) {
			service.increment(MetricLoginRejected)
			return TokenPair{}, fmt.Errorf("service.login: %w", ErrInvalidCredentials)
		}
		return TokenPair{}, fmt.Errorf("service.login: %w", findErr)
	}
	if !VerifyCredential(account.CredentialHash, password) {
		service.increment(MetricLoginRejected)
		return TokenPair{}, fmt.Errorf("service.login: %w", ErrInvalidCredentials)
	}
	if account.Deleted {
		service.increment(MetricLoginRejected)
		return TokenPair{}, fmt.Errorf("service.login: %w", ErrAccountDeactivated)
	}
	if !account.EmailVerified {
		service.increment(MetricLoginRejected)
		return TokenPair{}, fmt.Errorf("service.login: %w", ErrEmailNotVerified)
	}

	pair, issueErr := service.issuePair(ctx, account, "")
	if issueErr != nil {
		return TokenPair{}, fmt.Errorf("service.login: %w", issueErr)
	}

	now := service.clock.Now()
	account.LastLoginAtUnix = now.Unix()
	account.UpdatedAtUnix = now.Unix()
	if updateErr := service.accounts.UpdateAccount(ctx, account); updateErr != nil {
		service.logger.Warn("last login timestamp not recorded",
			zap.String("code", "service.login.last_login_update"),
			zap.String("account_id", account.ID),
			zap.Error(updateErr))
	}
	service.increment(MetricLoginSuccess)
	return pair, nil
}

// Refresh rotates the refresh session and mints an access token from the
// account's current role and email. Every rotation failure collapses to
// ErrReauthenticationRequired so callers cannot distinguish stolen, expired,
// or never-issued tokens.
func (service *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshExpiry := service.clock.Now().Add(service.configuration.RefreshSessionTTL)
	replacementSessionID, newOpaque, accountID, rotateErr := service.sessions.Rotate(ctx, refreshToken, refreshExpiry.Unix())
	if rotateErr != nil {
		if isSessionError(rotateErr) {
			service.increment(MetricRefreshRejected)
			service.logger.Info("refresh rejected",
				zap.String("code", "service.refresh.rejected"),
				zap.Error(rotateErr))
			return TokenPair{}, fmt.Errorf("service.refresh: %w", ErrReauthenticationRequired)
		}
		return TokenPair{}, fmt.Errorf("service.refresh: %w", rotateErr)
	}

	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		if errors.Is(findErr, ErrAccountNotFound) {
			service.discardReplacementSession(ctx, replacementSessionID)
			return TokenPair{}, fmt.Errorf("service.refresh: %w", ErrReauthenticationRequired)
		}
		return TokenPair{}, fmt.Errorf("service.refresh: %w", findErr)
	}
	if account.Deleted || !account.EmailVerified {
		service.discardReplacementSession(ctx, replacementSessionID)
		return TokenPair{}, fmt.Errorf("service.refresh: %w", ErrReauthenticationRequired)
	}

	accessToken, accessExpiresAt, mintErr := service.signer.MintAccessToken(account.ID, account.Email, account.Role)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("service.refresh: %w", mintErr)
	}
	service.increment(MetricRefreshSuccess)
	return TokenPair{
		AccessToken:        accessToken,
		AccessExpiresUnix:  accessExpiresAt.Unix(),
		RefreshToken:       newOpaque,
		RefreshExpiresUnix: refreshExpiry.Unix(),
	}, nil
}

// Logout revokes the named refresh session only. Unknown or already-revoked
// tokens are acknowledged without error.
func (service *Service) Logout(ctx context.Context, refreshToken string) error {
	session, lookupErr := service.sessions.Lookup(ctx, refreshToken)
	if lookupErr != nil {
		if isSessionError(lookupErr) {
			return nil
		}
		return fmt.Errorf("service.logout: %w", lookupErr)
	}
	if revokeErr := service.sessions.Revoke(ctx, session.SessionID); revokeErr != nil {
		if isSessionError(revokeErr) {
			return nil
		}
		return fmt.Errorf("service.logout: %w", revokeErr)
	}
	service.increment(MetricLogout)
	return nil
}

// Register creates an unverified account and sends a verify-email token. The
// store's unique index is the authoritative duplicate-email guard.
func (service *Service) Register(ctx context.Context, email string, password string) (Account, error) {
	credentialHash, hashErr := HashCredential(password)
	if hashErr != nil {
		return Account{}, fmt.Errorf("service.register: %w", hashErr)
	}
	now := service.clock.Now()
	account := Account{
		ID:             uuid.NewString(),
		Email:          NormalizeEmail(email),
		CredentialHash: credentialHash,
		Role:           RoleViewer,
		EmailVerified:  false,
		Deleted:        false,
		CreatedAtUnix:  now.Unix(),
		UpdatedAtUnix:  now.Unix(),
	}
	if createErr := service.accounts.CreateAccount(ctx, account); createErr != nil {
		return Account{}, fmt.Errorf("service.register: %w", createErr)
	}
	if issueErr := service.IssueOneTimeToken(ctx, account.ID, TokenKindVerifyEmail); issueErr != nil {
		service.logger.Warn("verification token not delivered at registration",
			zap.String("code", "service.register.verify_issue"),
			zap.String("account_id", account.ID),
			zap.Error(issueErr))
	}
	return account, nil
}

// IssueOneTimeToken issues a single-use token of the given kind and delivers
// the raw secret through the notifier. The raw secret is never logged or
// persisted; notification failure is logged and non-fatal.
func (service *Service) IssueOneTimeToken(ctx context.Context, accountID string, kind OneTimeTokenKind) error {
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return fmt.Errorf("service.onetime_issue: %w", findErr)
	}
	ttl := service.configuration.VerifyEmailTokenTTL
	if kind == TokenKindResetPassword {
		ttl = service.configuration.ResetPasswordTokenTTL
	}
	expiresUnix := service.clock.Now().Add(ttl).Unix()
	rawSecret, issueErr := service.oneTimeTokens.IssueToken(ctx, accountID, kind, expiresUnix)
	if issueErr != nil {
		return fmt.Errorf("service.onetime_issue: %w", issueErr)
	}
	service.increment(MetricOneTimeTokenIssued)
	service.deliverSecret(ctx, account.Email, kind, rawSecret)
	return nil
}

// VerifyEmail consumes a verify-email token and marks the owning account
// verified.
func (service *Service) VerifyEmail(ctx context.Context, rawSecret string) (Account, error) {
	accountID, consumeErr := service.oneTimeTokens.ConsumeToken(ctx, rawSecret, TokenKindVerifyEmail)
	if consumeErr != nil {
		return Account{}, fmt.Errorf("service.verify_email: %w", consumeErr)
	}
	service.increment(MetricOneTimeTokenUsed)
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return Account{}, fmt.Errorf("service.verify_email: %w", findErr)
	}
	if account.EmailVerified {
		return account, nil
	}
	now := service.clock.Now()
	account.EmailVerified = true
	account.UpdatedAtUnix = now.Unix()
	if updateErr := service.accounts.UpdateAccount(ctx, account); updateErr != nil {
		return Account{}, fmt.Errorf("service.verify_email: %w", updateErr)
	}
	service.appendAudit(ctx, account.ID, "email_verified", "false", "true", now.Unix())
	return account, nil
}

// RequestPasswordReset issues a reset token when the email belongs to an
// active account. It reports success either way so that callers cannot use
// it to enumerate accounts.
func (service *Service) RequestPasswordReset(ctx context.Context, email string) error {
	account, findErr := service.accounts.FindAccountByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrAccountNotFound) {
			return nil
		}
		return fmt.Errorf("service.reset_request: %w", findErr)
	}
	if account.Deleted {
		return nil
	}
	if issueErr := service.IssueOneTimeToken(ctx, account.ID, TokenKindResetPassword); issueErr != nil {
		return fmt.Errorf("service.reset_request: %w", issueErr)
	}
	return nil
}

// ResetPassword consumes a reset token, replaces the credential, and
// cascades revocation before returning.
func (service *Service) ResetPassword(ctx context.Context, rawSecret string, newPassword string) error {
	credentialHash, hashErr := HashCredential(newPassword)
	if hashErr != nil {
		return fmt.Errorf("service.reset_password: %w", hashErr)
	}
	accountID, consumeErr := service.oneTimeTokens.ConsumeToken(ctx, rawSecret, TokenKindResetPassword)
	if consumeErr != nil {
		return fmt.Errorf("service.reset_password: %w", consumeErr)
	}
	service.increment(MetricOneTimeTokenUsed)
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return fmt.Errorf("service.reset_password: %w", findErr)
	}
	if applyErr := service.applyNewCredential(ctx, account, credentialHash); applyErr != nil {
		return fmt.Errorf("service.reset_password: %w", applyErr)
	}
	return nil
}

// ChangePassword verifies the current password, replaces the credential, and
// cascades revocation before returning.
func (service *Service) ChangePassword(ctx context.Context, accountID string, currentPassword string, newPassword string) error {
	credentialHash, hashErr := HashCredential(newPassword)
	if hashErr != nil {
		return fmt.Errorf("service.change_password: %w", hashErr)
	}
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return fmt.Errorf("service.change_password: %w", findErr)
	}
	if !VerifyCredential(account.CredentialHash, currentPassword) {
		return fmt.Errorf("service.change_password: %w", ErrInvalidCredentials)
	}
	if applyErr := service.applyNewCredential(ctx, account, credentialHash); applyErr != nil {
		return fmt.Errorf("service.change_password: %w", applyErr)
	}
	return nil
}

// ChangeRole assigns a role from the closed set and cascades revocation so
// the old role cannot outlive the change on any refresh path.
func (service *Service) ChangeRole(ctx context.Context, accountID string, newRole Role) error {
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return fmt.Errorf("service.change_role: %w", findErr)
	}
	if account.Role == newRole {
		return nil
	}
	now := service.clock.Now()
	previousRole := account.Role
	account.Role = newRole
	account.UpdatedAtUnix = now.Unix()
	if updateErr := service.accounts.UpdateAccount(ctx, account); updateErr != nil {
		return fmt.Errorf("service.change_role: %w", updateErr)
	}
	service.appendAudit(ctx, account.ID, "role", string(previousRole), string(newRole), now.Unix())
	if cascadeErr := service.cascade.Cascade(ctx, account.ID, CascadeRoleChange); cascadeErr != nil {
		return fmt.Errorf("service.change_role: %w", cascadeErr)
	}
	return nil
}

// ChangeEmail updates the address, relying on the unique index as the
// authoritative duplicate guard, marks the account unverified, cascades
// revocation, and issues a fresh verify-email token.
func (service *Service) ChangeEmail(ctx context.Context, accountID string, newEmail string) error {
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return fmt.Errorf("service.change_email: %w", findErr)
	}
	normalized := NormalizeEmail(newEmail)
	if normalized == account.Email {
		return nil
	}
	now := service.clock.Now()
	previousEmail := account.Email
	account.Email = normalized
	account.EmailVerified = false
	account.UpdatedAtUnix = now.Unix()
	if updateErr := service.accounts.UpdateAccount(ctx, account); updateErr != nil {
		return fmt.Errorf("service.change_email: %w", updateErr)
	}
	service.appendAudit(ctx, account.ID, "email", previousEmail, normalized, now.Unix())
	if cascadeErr := service.cascade.Cascade(ctx, account.ID, CascadeEmailChange); cascadeErr != nil {
		return fmt.Errorf("service.change_email: %w", cascadeErr)
	}
	if issueErr := service.IssueOneTimeToken(ctx, account.ID, TokenKindVerifyEmail); issueErr != nil {
		service.logger.Warn("verification token not delivered after email change",
			zap.String("code", "service.change_email.verify_issue"),
			zap.String("account_id", account.ID),
			zap.Error(issueErr))
	}
	return nil
}

// Deactivate soft-deletes the account and cascades revocation before
// returning. The record stays in place for the audit trail.
func (service *Service) Deactivate(ctx context.Context, accountID string) error {
	account, findErr := service.accounts.FindAccountByID(ctx, accountID)
	if findErr != nil {
		return fmt.Errorf("service.deactivate: %w", findErr)
	}
	if account.Deleted {
		return nil
	}
	now := service.clock.Now()
	account.Deleted = true
	account.UpdatedAtUnix = now.Unix()
	if updateErr := service.accounts.UpdateAccount(ctx, account); updateErr != nil {
		return fmt.Errorf("service.deactivate: %w", updateErr)
	}
	service.appendAudit(ctx, account.ID, "deleted", "false", "true", now.Unix())
	if cascadeErr := service.cascade.Cascade(ctx, account.ID, CascadeDeactivate); cascadeErr != nil {
		return fmt.Errorf("service.deactivate: %w", cascadeErr)
	}
	return nil
}

func (service *Service) issuePair(ctx context.Context, account Account, previousSessionID string) (TokenPair, error) {
	accessToken, accessExpiresAt, mintErr := service.signer.MintAccessToken(account.ID, account.Email, account.Role)
	if mintErr != nil {
		return TokenPair{}, mintErr
	}
	refreshExpiry := service.clock.Now().Add(service.configuration.RefreshSessionTTL)
	_, refreshOpaque, createErr := service.sessions.Create(ctx, account.ID, refreshExpiry.Unix(), previousSessionID)
	if createErr != nil {
		return TokenPair{}, createErr
	}
	return TokenPair{
		AccessToken:        accessToken,
		AccessExpiresUnix:  accessExpiresAt.Unix(),
		RefreshToken:       refreshOpaque,
		RefreshExpiresUnix: refreshExpiry.Unix(),
	}, nil
}

// applyNewCredential persists the replacement hash, audits it, cascades
// revocation, and then notifies the owner. Cascade runs before the caller
// gets a response; the notification alone is best effort.
func (service *Service) applyNewCredential(ctx context.Context, account Account, credentialHash string) error {
	now := service.clock.Now()
	account.CredentialHash = credentialHash
	account.UpdatedAtUnix = now.Unix()
	if updateErr := service.accounts.UpdateAccount(ctx, account); updateErr != nil {
		return updateErr
	}
	service.appendAudit(ctx, account.ID, "credential", "", "", now.Unix())
	if cascadeErr := service.cascade.Cascade(ctx, account.ID, CascadePasswordChange); cascadeErr != nil {
		return cascadeErr
	}
	if service.notifier != nil {
		notifyErr := service.notifier.Notify(ctx, account.Email,
			"Your password was changed",
			"Your account password was just changed. If this was not you, reset your password immediately.",
			"")
		if notifyErr != nil {
			service.logger.Warn("password change notification failed",
				zap.String("code", "service.password.notify"),
				zap.String("account_id", account.ID),
				zap.Error(notifyErr))
		}
	}
	return nil
}

func (service *Service) deliverSecret(ctx context.Context, recipient string, kind OneTimeTokenKind, rawSecret string) {
	if service.notifier == nil {
		return
	}
	subject := "Verify your email address"
	textBody := "Use this code to verify your email address: " + rawSecret
	if kind == TokenKindResetPassword {
		subject = "Reset your password"
		textBody = "Use this code to reset your password: " + rawSecret
	}
	if notifyErr := service.notifier.Notify(ctx, recipient, subject, textBody, ""); notifyErr != nil {
		service.logger.Warn("one-time token notification failed",
			zap.String("code", "service.onetime.notify"),
			zap.String("kind", string(kind)),
			zap.Error(notifyErr))
	}
}

func (service *Service) appendAudit(ctx context.Context, accountID string, field string, oldValue string, newValue string, changedUnix int64) {
	entry := AuditEntry{
		AccountID:   accountID,
		Field:       field,
		OldValue:    oldValue,
		NewValue:    newValue,
		ChangedUnix: changedUnix,
	}
	if auditErr := service.accounts.AppendAudit(ctx, entry); auditErr != nil {
		service.logger.Warn("audit entry not recorded",
			zap.String("code", "service.audit.append"),
			zap.String("account_id", accountID),
			zap.String("field", field),
			zap.Error(auditErr))
	}
}

// discardReplacementSession revokes the session a rotation just created when
// the account fails the post-rotation eligibility check. Without this the
// replacement would stay live with an opaque token nobody holds.
func (service *Service) discardReplacementSession(ctx context.Context, sessionID string) {
	if revokeErr := service.sessions.Revoke(ctx, sessionID); revokeErr != nil {
		service.logger.Warn("replacement session not revoked",
			zap.String("code", "service.refresh.discard"),
			zap.String("session_id", sessionID),
			zap.Error(revokeErr))
	}
}

func (service *Service) increment(event string) {
	if service.metrics != nil {
		service.metrics.Increment(event)
	}
}

func isSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionEmptyToken)
}
