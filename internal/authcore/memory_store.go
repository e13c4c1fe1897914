package authcore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryAccountStore is an in-memory account store for tests and dev runs.
type MemoryAccountStore struct {
	mutex   sync.Mutex
	byID    map[string]Account
	byEmail map[string]string
	audit   map[string][]AuditEntry
}

// NewMemoryAccountStore creates an empty in-memory account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
		audit:   make(map[string][]AuditEntry),
	}
}

// CreateAccount inserts an account, enforcing the unique-email constraint.
func (store *MemoryAccountStore) CreateAccount(ctx context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	normalized := NormalizeEmail(account.Email)
	if _, exists := store.byEmail[normalized]; exists {
		return fmt.Errorf("account_store.create: %w", ErrEmailTaken)
	}
	account.Email = normalized
	store.byID[account.ID] = account
	store.byEmail[normalized] = account.ID
	return nil
}

// FindAccountByID returns the account with the given id.
func (store *MemoryAccountStore) FindAccountByID(ctx context.Context, accountID string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.byID[accountID]
	if !ok {
		return Account{}, fmt.Errorf("account_store.find_by_id: %w", ErrAccountNotFound)
	}
	return account, nil
}

// FindAccountByEmail returns the account with the given email, matched
// case-insensitively.
func (store *MemoryAccountStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accountID, ok := store.byEmail[NormalizeEmail(email)]
	if !ok {
		return Account{}, fmt.Errorf("account_store.find_by_email: %w", ErrAccountNotFound)
	}
	return store.byID[accountID], nil
}

// UpdateAccount replaces the stored account record, keeping the email index
// coherent when the email changed.
func (store *MemoryAccountStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	previous, ok := store.byID[account.ID]
	if !ok {
		return fmt.Errorf("account_store.update: %w", ErrAccountNotFound)
	}
	normalized := NormalizeEmail(account.Email)
	if normalized != previous.Email {
		if _, exists := store.byEmail[normalized]; exists {
			return fmt.Errorf("account_store.update: %w", ErrEmailTaken)
		}
		delete(store.byEmail, previous.Email)
		store.byEmail[normalized] = account.ID
	}
	account.Email = normalized
	store.byID[account.ID] = account
	return nil
}

// AppendAudit appends one change record to the account's audit trail.
func (store *MemoryAccountStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.audit[entry.AccountID] = append(store.audit[entry.AccountID], entry)
	return nil
}

// ListAudit returns the audit trail for an account in append order.
func (store *MemoryAccountStore) ListAudit(ctx context.Context, accountID string) ([]AuditEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entries := store.audit[accountID]
	cloned := make([]AuditEntry, len(entries))
	copy(cloned, entries)
	return cloned, nil
}

// MemoryRefreshSessionStore is an in-memory session store for tests and dev.
type MemoryRefreshSessionStore struct {
	mutex  sync.Mutex
	byID   map[string]*RefreshSession
	byHash map[string]string
	now    func() time.Time
}

// NewMemoryRefreshSessionStore creates a new in-memory session store.
func NewMemoryRefreshSessionStore() *MemoryRefreshSessionStore {
	return &MemoryRefreshSessionStore{
		byID:   make(map[string]*RefreshSession),
		byHash: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create generates a new session, optionally linked to a previous session.
func (store *MemoryRefreshSessionStore) Create(ctx context.Context, accountID string, expiresUnix int64, previousSessionID string) (string, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.createLocked(accountID, expiresUnix, previousSessionID)
}

func (store *MemoryRefreshSessionStore) createLocked(accountID string, expiresUnix int64, previousSessionID string) (string, string, error) {
	sessionID, idErr := newSessionID(store.now())
	if idErr != nil {
		return "", "", idErr
	}
	opaque, hashValue, err := generateOpaqueToken()
	if err != nil {
		return "", "", err
	}
	record := &RefreshSession{
		SessionID:         sessionID,
		AccountID:         accountID,
		TokenHash:         hashValue,
		ExpiresUnix:       expiresUnix,
		RevokedAtUnix:     0,
		PreviousSessionID: previousSessionID,
		IssuedAtUnix:      store.now().Unix(),
	}
	store.byID[sessionID] = record
	store.byHash[hashValue] = sessionID
	return sessionID, opaque, nil
}

// Lookup resolves the opaque token to its session record.
func (store *MemoryRefreshSessionStore) Lookup(ctx context.Context, tokenOpaque string) (RefreshSession, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, err := store.lookupLocked(tokenOpaque)
	if err != nil {
		return RefreshSession{}, err
	}
	return *record, nil
}

func (store *MemoryRefreshSessionStore) lookupLocked(tokenOpaque string) (*RefreshSession, error) {
	if tokenOpaque == "" {
		return nil, fmt.Errorf("session_store.lookup: %w", ErrSessionEmptyToken)
	}
	sessionID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return nil, fmt.Errorf("session_store.lookup: %w", ErrSessionNotFound)
	}
	record := store.byID[sessionID]
	if record == nil {
		return nil, fmt.Errorf("session_store.lookup: %w", ErrSessionNotFound)
	}
	return record, nil
}

// Rotate revokes the session behind the opaque token and creates its
// replacement in one step. At most one concurrent caller wins; the losers see
// ErrSessionRevoked.
func (store *MemoryRefreshSessionStore) Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (string, string, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, lookupErr := store.lookupLocked(tokenOpaque)
	if lookupErr != nil {
		return "", "", "", lookupErr
	}
	if record.RevokedAtUnix != 0 {
		return "", "", "", fmt.Errorf("session_store.rotate: %w", ErrSessionRevoked)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.now()) {
		return "", "", "", fmt.Errorf("session_store.rotate: %w", ErrSessionExpired)
	}
	record.RevokedAtUnix = store.now().Unix()
	sessionID, opaque, createErr := store.createLocked(record.AccountID, expiresUnix, record.SessionID)
	if createErr != nil {
		return "", "", "", createErr
	}
	return sessionID, opaque, record.AccountID, nil
}

// Revoke marks a session as revoked; revoking twice is a no-op.
func (store *MemoryRefreshSessionStore) Revoke(ctx context.Context, sessionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[sessionID]
	if record == nil {
		return fmt.Errorf("session_store.revoke: %w", ErrSessionNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return nil
	}
	record.RevokedAtUnix = store.now().Unix()
	return nil
}

// RevokeAllForAccount revokes every live session owned by the account and
// reports how many were affected.
func (store *MemoryRefreshSessionStore) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	nowUnix := store.now().Unix()
	var revoked int64
	for _, record := range store.byID {
		if record.AccountID == accountID && record.RevokedAtUnix == 0 {
			record.RevokedAtUnix = nowUnix
			revoked++
		}
	}
	return revoked, nil
}

// MemoryOneTimeTokenStore is an in-memory one-time token store.
type MemoryOneTimeTokenStore struct {
	mutex  sync.Mutex
	byHash map[string]*OneTimeToken
	now    func() time.Time
}

// NewMemoryOneTimeTokenStore creates an empty in-memory token store.
func NewMemoryOneTimeTokenStore() *MemoryOneTimeTokenStore {
	return &MemoryOneTimeTokenStore{
		byHash: make(map[string]*OneTimeToken),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken stores the hash of a fresh secret and returns the raw secret
// exactly once.
func (store *MemoryOneTimeTokenStore) IssueToken(ctx context.Context, accountID string, kind OneTimeTokenKind, expiresUnix int64) (string, error) {
	opaque, hashValue, err := generateOpaqueToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byHash[hashValue] = &OneTimeToken{
		TokenHash:    hashValue,
		AccountID:    accountID,
		Kind:         kind,
		ExpiresUnix:  expiresUnix,
		UsedAtUnix:   0,
		IssuedAtUnix: store.now().Unix(),
	}
	return opaque, nil
}

// ConsumeToken marks the matching unused record used and returns its owner;
// exactly one of any set of concurrent callers succeeds.
func (store *MemoryOneTimeTokenStore) ConsumeToken(ctx context.Context, rawSecret string, kind OneTimeTokenKind) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byHash[hashOpaque(rawSecret)]
	if !ok || record.Kind != kind {
		return "", fmt.Errorf("onetime_store.consume: %w", ErrOneTimeTokenNotFound)
	}
	if record.UsedAtUnix != 0 {
		return "", fmt.Errorf("onetime_store.consume: %w", ErrOneTimeTokenAlreadyUsed)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(store.now()) {
		return "", fmt.Errorf("onetime_store.consume: %w", ErrOneTimeTokenExpired)
	}
	record.UsedAtUnix = store.now().Unix()
	return record.AccountID, nil
}
