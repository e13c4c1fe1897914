package authcore

import (
	"context"
	"time"
)

// Clock provides the current time; injected so expiry paths are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real UTC time.
type SystemClock struct{}

// NewSystemClock constructs a SystemClock.
func NewSystemClock() SystemClock {
	return SystemClock{}
}

// Now returns the current UTC timestamp.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// AccountStore persists and retrieves identity records. Implementations must
// enforce a unique index on the lowercased email.
type AccountStore interface {
	CreateAccount(ctx context.Context, account Account) error
	FindAccountByID(ctx context.Context, accountID string) (Account, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, accountID string) ([]AuditEntry, error)
}

// RefreshSessionStore manages long-lived refresh sessions. Every
// exactly-once mutation (rotation, revocation) is a conditional update; an
// update matching zero rows signals a lost race and maps to the
// corresponding session error.
type RefreshSessionStore interface {
	Create(ctx context.Context, accountID string, expiresUnix int64, previousSessionID string) (sessionID string, tokenOpaque string, err error)
	Lookup(ctx context.Context, tokenOpaque string) (RefreshSession, error)
	Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (sessionID string, newOpaque string, accountID string, err error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllForAccount(ctx context.Context, accountID string) (revoked int64, err error)
}

// OneTimeTokenStore manages single-use hashed tokens for email verification
// and password reset.
type OneTimeTokenStore interface {
	IssueToken(ctx context.Context, accountID string, kind OneTimeTokenKind, expiresUnix int64) (rawSecret string, err error)
	ConsumeToken(ctx context.Context, rawSecret string, kind OneTimeTokenKind) (accountID string, err error)
}

// Notifier delivers out-of-band messages. Delivery is best effort; callers
// log failures and continue.
type Notifier interface {
	Notify(ctx context.Context, recipient string, subject string, textBody string, htmlBody string) error
}
