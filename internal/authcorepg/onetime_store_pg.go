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

// PostgresOneTimeTokenStore persists single-use hashed tokens in PostgreSQL
// through pgx.
type PostgresOneTimeTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOneTimeTokenStore constructs a Postgres one-time token store.
func NewPostgresOneTimeTokenStore(pool *pgxpool.Pool) *PostgresOneTimeTokenStore {
	return &PostgresOneTimeTokenStore{pool: pool}
}

// IssueToken inserts the hash of a fresh secret and returns the raw secret.
func (store *PostgresOneTimeTokenStore) IssueToken(ctx context.Context, accountID string, kind authcore.OneTimeTokenKind, expiresUnix int64) (string, error) {
	opaque, hashValue, err := authcore.NewOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("onetime_store.issue.pg: %w", err)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO one_time_tokens (token_hash, account_id, kind, expires_unix, used_at_unix, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5)
`, hashValue, accountID, string(kind), expiresUnix, time.Now().UTC().Unix())
	if execErr != nil {
		return "", fmt.Errorf("onetime_store.issue.pg: %w", execErr)
	}
	return opaque, nil
}

// ConsumeToken conditionally marks the matching unused token used. Zero
// affected rows on a live record means a concurrent consumer won.
func (store *PostgresOneTimeTokenStore) ConsumeToken(ctx context.Context, rawSecret string, kind authcore.OneTimeTokenKind) (string, error) {
	hashValue := authcore.HashOpaqueToken(rawSecret)
	var accountID string
	var expiresUnix int64
	var usedAtUnix int64
	row := store.pool.QueryRow(ctx, `
SELECT account_id, expires_unix, used_at_unix
FROM one_time_tokens
WHERE token_hash = $1 AND kind = $2
`, hashValue, string(kind))
	scanErr := row.Scan(&accountID, &expiresUnix, &usedAtUnix)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", fmt.Errorf("onetime_store.consume.pg: %w", authcore.ErrOneTimeTokenNotFound)
		}
		return "", fmt.Errorf("onetime_store.consume.pg: %w", scanErr)
	}
	now := time.Now().UTC()
	if usedAtUnix != 0 {
		return "", fmt.Errorf("onetime_store.consume.pg: %w", authcore.ErrOneTimeTokenAlreadyUsed)
	}
	if time.Unix(expiresUnix, 0).Before(now) {
		return "", fmt.Errorf("onetime_store.consume.pg: %w", authcore.ErrOneTimeTokenExpired)
	}
	tag, execErr := store.pool.Exec(ctx, `
UPDATE one_time_tokens
SET used_at_unix = $1
WHERE token_hash = $2 AND used_at_unix = 0
`, now.Unix(), hashValue)
	if execErr != nil {
		return "", fmt.Errorf("onetime_store.consume.pg: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("onetime_store.consume.pg: %w", authcore.ErrOneTimeTokenAlreadyUsed)
	}
	return accountID, nil
}
