package authcorepg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mzolotarev/authd/internal/authcore"
)

// PostgresRefreshSessionStore persists rotating refresh sessions in
// PostgreSQL through pgx, for deployments that bypass GORM.
type PostgresRefreshSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRefreshSessionStore constructs a Postgres session store.
func NewPostgresRefreshSessionStore(pool *pgxpool.Pool) *PostgresRefreshSessionStore {
	return &PostgresRefreshSessionStore{pool: pool}
}

// Create inserts a new session row and returns session id and opaque token.
func (store *PostgresRefreshSessionStore) Create(ctx context.Context, accountID string, expiresUnix int64, previousSessionID string) (string, string, error) {
	sessionID, opaque, hashValue, err := authcore.NewSessionCredentials(time.Now().UTC())
	if err != nil {
		return "", "", fmt.Errorf("session_store.create.pg: %w", err)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_sessions (session_id, account_id, token_hash, expires_unix, revoked_at_unix, previous_session_id, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5, $6)
`, sessionID, accountID, hashValue, expiresUnix, previousSessionID, time.Now().UTC().Unix())
	if execErr != nil {
		return "", "", fmt.Errorf("session_store.create.pg: %w", execErr)
	}
	return sessionID, opaque, nil
}

// Lookup resolves the opaque token to its session record.
func (store *PostgresRefreshSessionStore) Lookup(ctx context.Context, tokenOpaque string) (authcore.RefreshSession, error) {
	if tokenOpaque == "" {
		return authcore.RefreshSession{}, fmt.Errorf("session_store.lookup.pg: %w", authcore.ErrSessionEmptyToken)
	}
	var session authcore.RefreshSession
	row := store.pool.QueryRow(ctx, `
SELECT session_id, account_id, token_hash, expires_unix, revoked_at_unix, previous_session_id, issued_at_unix
FROM refresh_sessions
WHERE token_hash = $1
`, authcore.HashOpaqueToken(tokenOpaque))
	scanErr := row.Scan(&session.SessionID, &session.AccountID, &session.TokenHash, &session.ExpiresUnix, &session.RevokedAtUnix, &session.PreviousSessionID, &session.IssuedAtUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authcore.RefreshSession{}, fmt.Errorf("session_store.lookup.pg: %w", authcore.ErrSessionNotFound)
		}
		return authcore.RefreshSession{}, fmt.Errorf("session_store.lookup.pg: %w", scanErr)
	}
	return session, nil
}

// Rotate conditionally revokes the session behind the opaque token and
// inserts its replacement. Zero affected rows on the revoke means another
// caller rotated first.
func (store *PostgresRefreshSessionStore) Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (string, string, string, error) {
	session, lookupErr := store.Lookup(ctx, tokenOpaque)
	if lookupErr != nil {
		return "", "", "", lookupErr
	}
	now := time.Now().UTC()
	if session.RevokedAtUnix != 0 {
		return "", "", "", fmt.Errorf("session_store.rotate.pg: %w", authcore.ErrSessionRevoked)
	}
	if time.Unix(session.ExpiresUnix, 0).Before(now) {
		return "", "", "", fmt.Errorf("session_store.rotate.pg: %w", authcore.ErrSessionExpired)
	}
	tag, revokeErr := store.pool.Exec(ctx, `
UPDATE refresh_sessions
SET revoked_at_unix = $1
WHERE session_id = $2 AND revoked_at_unix = 0
`, now.Unix(), session.SessionID)
	if revokeErr != nil {
		return "", "", "", fmt.Errorf("session_store.rotate.pg: %w", revokeErr)
	}
	if tag.RowsAffected() == 0 {
		return "", "", "", fmt.Errorf("session_store.rotate.pg: %w", authcore.ErrSessionRevoked)
	}
	newSessionID, newOpaque, createErr := store.Create(ctx, session.AccountID, expiresUnix, session.SessionID)
	if createErr != nil {
		return "", "", "", createErr
	}
	return newSessionID, newOpaque, session.AccountID, nil
}

// Revoke marks a session as revoked; repeat revocations are a no-op.
func (store *PostgresRefreshSessionStore) Revoke(ctx context.Context, sessionID string) error {
	_, err := store.pool.Exec(ctx, `
UPDATE refresh_sessions
SET revoked_at_unix = $1
WHERE session_id = $2 AND revoked_at_unix = 0
`, time.Now().UTC().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("session_store.revoke.pg: %w", err)
	}
	return nil
}

// RevokeAllForAccount revokes every live session for the account.
func (store *PostgresRefreshSessionStore) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	tag, err := store.pool.Exec(ctx, `
UPDATE refresh_sessions
SET revoked_at_unix = $1
WHERE account_id = $2 AND revoked_at_unix = 0
`, time.Now().UTC().Unix(), accountID)
	if err != nil {
		return 0, fmt.Errorf("session_store.revoke_all.pg: %w", err)
	}
	return tag.RowsAffected(), nil
}
