package authcorepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_sessions (
    session_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL DEFAULT 0,
    previous_session_id TEXT NOT NULL DEFAULT '',
    issued_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_hash ON refresh_sessions (token_hash);
CREATE INDEX IF NOT EXISTS idx_refresh_sessions_account ON refresh_sessions (account_id);
CREATE TABLE IF NOT EXISTS one_time_tokens (
    token_hash TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    expires_unix BIGINT NOT NULL,
    used_at_unix BIGINT NOT NULL DEFAULT 0,
    issued_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_one_time_tokens_account ON one_time_tokens (account_id);
`)
	return err
}
