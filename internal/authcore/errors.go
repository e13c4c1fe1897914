package authcore

import "errors"

// Authentication errors returned by the issuance service. The same
// ErrInvalidCredentials covers both an unknown email and a wrong password so
// that callers cannot probe which accounts exist.
var (
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	ErrAccountDeactivated = errors.New("auth.account_deactivated")
	ErrEmailNotVerified   = errors.New("auth.email_not_verified")
	// ErrReauthenticationRequired is the single error surfaced for every
	// refresh failure; the specific session error is never exposed.
	ErrReauthenticationRequired = errors.New("auth.reauthentication_required")
)

// Session errors reported by refresh session stores.
var (
	// ErrSessionNotFound indicates no session matched the provided token.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrSessionRevoked indicates the session has been revoked.
	ErrSessionRevoked = errors.New("session_store.revoked")
	// ErrSessionExpired indicates the session has exceeded its expiry.
	ErrSessionExpired = errors.New("session_store.expired")
	// ErrSessionEmptyToken indicates that the provided opaque token text is empty.
	ErrSessionEmptyToken = errors.New("session_store.empty_token")
)

// Access token errors reported by the signer.
var (
	ErrAccessTokenInvalid = errors.New("signer.token_invalid")
	ErrAccessTokenExpired = errors.New("signer.token_expired")
)

// One-time token errors reported by the one-time token store.
var (
	ErrOneTimeTokenNotFound    = errors.New("onetime_store.not_found")
	ErrOneTimeTokenExpired     = errors.New("onetime_store.expired")
	ErrOneTimeTokenAlreadyUsed = errors.New("onetime_store.already_used")
)

// Account errors reported by account stores and the lifecycle operations.
var (
	ErrAccountNotFound = errors.New("account_store.not_found")
	// ErrEmailTaken surfaces the store's unique-email constraint. The
	// pre-insert existence check is only a fast path; the constraint is the
	// authoritative guard against concurrent registrations.
	ErrEmailTaken  = errors.New("account_store.email_taken")
	ErrInvalidRole = errors.New("account_store.invalid_role")
)
