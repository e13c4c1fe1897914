package authcore

import (
	"strings"
	"time"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role string against the closed set.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", ErrInvalidRole
	}
}

// Account is the root identity record. Email is stored lowercased and is
// unique case-insensitively. A deleted or unverified account never
// authenticates.
type Account struct {
	ID              string
	Email           string
	CredentialHash  string
	Role            Role
	EmailVerified   bool
	Deleted         bool
	CreatedAtUnix   int64
	UpdatedAtUnix   int64
	LastLoginAtUnix int64
}

// AuditEntry records one field change on an account. Entries are append-only
// and live in their own store keyed by account id, so a busy account never
// grows a single unbounded record.
type AuditEntry struct {
	AccountID   string
	Field       string
	OldValue    string
	NewValue    string
	ChangedUnix int64
}

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CascadeReason labels why every refresh session of an account was revoked.
type CascadeReason string

const (
	CascadePasswordChange CascadeReason = "password_change"
	CascadeRoleChange     CascadeReason = "role_change"
	CascadeEmailChange    CascadeReason = "email_change"
	CascadeDeactivate     CascadeReason = "deactivate"
)

// RefreshSession is one active long-lived login. Sessions are never deleted;
// revocation flips RevokedAtUnix and rotation always creates a new record.
type RefreshSession struct {
	SessionID         string
	AccountID         string
	TokenHash         string
	ExpiresUnix       int64
	RevokedAtUnix     int64
	PreviousSessionID string
	IssuedAtUnix      int64
}

// Usable reports whether the session can still be rotated or logged out.
func (session RefreshSession) Usable(now time.Time) bool {
	return session.RevokedAtUnix == 0 && now.Before(time.Unix(session.ExpiresUnix, 0))
}

// OneTimeTokenKind distinguishes the two credential-lifecycle flows.
type OneTimeTokenKind string

const (
	TokenKindVerifyEmail   OneTimeTokenKind = "verify_email"
	TokenKindResetPassword OneTimeTokenKind = "reset_password"
)

// OneTimeToken stores only the hash of a single-use secret. The raw secret is
// handed to the owner once, out of band, and is unrecoverable afterwards.
type OneTimeToken struct {
	TokenHash    string
	AccountID    string
	Kind         OneTimeTokenKind
	ExpiresUnix  int64
	UsedAtUnix   int64
	IssuedAtUnix int64
}
