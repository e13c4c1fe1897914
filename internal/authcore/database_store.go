package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
)

// DatabaseStore persists accounts, refresh sessions, one-time tokens, and
// audit entries using GORM. It implements AccountStore, RefreshSessionStore,
// and OneTimeTokenStore.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type accountRecord struct {
	AccountID       string `gorm:"column:account_id;primaryKey"`
	Email           string `gorm:"column:email;uniqueIndex;not null"`
	CredentialHash  string `gorm:"column:credential_hash;not null"`
	Role            string `gorm:"column:role;not null"`
	EmailVerified   bool   `gorm:"column:email_verified;not null;default:false"`
	Deleted         bool   `gorm:"column:deleted;not null;default:false"`
	CreatedAtUnix   int64  `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at_unix;not null"`
	LastLoginAtUnix int64  `gorm:"column:last_login_at_unix;not null;default:0"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

type refreshSessionRecord struct {
	SessionID         string `gorm:"column:session_id;primaryKey"`
	AccountID         string `gorm:"column:account_id;index;not null"`
	TokenHash         string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix       int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix     int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousSessionID string `gorm:"column:previous_session_id;not null;default:''"`
	IssuedAtUnix      int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshSessionRecord) TableName() string {
	return "refresh_sessions"
}

type oneTimeTokenRecord struct {
	TokenHash    string `gorm:"column:token_hash;primaryKey"`
	AccountID    string `gorm:"column:account_id;index;not null"`
	Kind         string `gorm:"column:kind;not null"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;not null"`
	UsedAtUnix   int64  `gorm:"column:used_at_unix;not null;default:0"`
	IssuedAtUnix int64  `gorm:"column:issued_at_unix;not null"`
}

func (oneTimeTokenRecord) TableName() string {
	return "one_time_tokens"
}

type auditRecord struct {
	ID          uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID   string `gorm:"column:account_id;index;not null"`
	Field       string `gorm:"column:field;not null"`
	OldValue    string `gorm:"column:old_value;not null;default:''"`
	NewValue    string `gorm:"column:new_value;not null;default:''"`
	ChangedUnix int64  `gorm:"column:changed_unix;not null"`
}

func (auditRecord) TableName() string {
	return "account_audit"
}

// NewDatabaseStore constructs a GORM-backed store and migrates its tables.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	migrateErr := gormDB.WithContext(ctx).AutoMigrate(
		&accountRecord{},
		&refreshSessionRecord{},
		&oneTimeTokenRecord{},
		&auditRecord{},
	)
	if migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateAccount inserts a new account row. A duplicate email violates the
// unique index and surfaces as ErrEmailTaken.
func (store *DatabaseStore) CreateAccount(ctx context.Context, account Account) error {
	record := accountRecordFrom(account)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return fmt.Errorf("account_store.create.%s: %w", store.driverLabel, ErrEmailTaken)
		}
		return fmt.Errorf("account_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindAccountByID returns the account with the given id.
func (store *DatabaseStore) FindAccountByID(ctx context.Context, accountID string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("account_store.find_by_id.%s: %w", store.driverLabel, ErrAccountNotFound)
		}
		return Account{}, fmt.Errorf("account_store.find_by_id.%s: %w", store.driverLabel, err)
	}
	return record.toAccount(), nil
}

// FindAccountByEmail returns the account with the given email. Emails are
// stored lowercased, so the lookup normalizes first.
func (store *DatabaseStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("account_store.find_by_email.%s: %w", store.driverLabel, ErrAccountNotFound)
		}
		return Account{}, fmt.Errorf("account_store.find_by_email.%s: %w", store.driverLabel, err)
	}
	return record.toAccount(), nil
}

// UpdateAccount saves the full account row.
func (store *DatabaseStore) UpdateAccount(ctx context.Context, account Account) error {
	record := accountRecordFrom(account)
	result := store.db.WithContext(ctx).Model(&accountRecord{}).
		Where("account_id = ?", account.ID).
		Select("*").Omit("account_id").
		Updates(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) || isUniqueViolation(result.Error) {
			return fmt.Errorf("account_store.update.%s: %w", store.driverLabel, ErrEmailTaken)
		}
		return fmt.Errorf("account_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account_store.update.%s: %w", store.driverLabel, ErrAccountNotFound)
	}
	return nil
}

// AppendAudit inserts one audit row for the account.
func (store *DatabaseStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	record := auditRecord{
		AccountID:   entry.AccountID,
		Field:       entry.Field,
		OldValue:    entry.OldValue,
		NewValue:    entry.NewValue,
		ChangedUnix: entry.ChangedUnix,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("account_store.audit.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ListAudit returns an account's audit trail in append order.
func (store *DatabaseStore) ListAudit(ctx context.Context, accountID string) ([]AuditEntry, error) {
	var records []auditRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("account_store.audit_list.%s: %w", store.driverLabel, err)
	}
	entries := make([]AuditEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, AuditEntry{
			AccountID:   record.AccountID,
			Field:       record.Field,
			OldValue:    record.OldValue,
			NewValue:    record.NewValue,
			ChangedUnix: record.ChangedUnix,
		})
	}
	return entries, nil
}

// Create inserts a new refresh session record and returns its identifiers.
func (store *DatabaseStore) Create(ctx context.Context, accountID string, expiresUnix int64, previousSessionID string) (string, string, error) {
	now := store.now()
	sessionID, idErr := newSessionID(now)
	if idErr != nil {
		return "", "", fmt.Errorf("session_store.create.%s: %w", store.driverLabel, idErr)
	}
	opaqueToken, hashValue, randomErr := generateOpaqueToken()
	if randomErr != nil {
		return "", "", fmt.Errorf("session_store.create.%s: %w", store.driverLabel, randomErr)
	}
	record := refreshSessionRecord{
		SessionID:         sessionID,
		AccountID:         accountID,
		TokenHash:         hashValue,
		ExpiresUnix:       expiresUnix,
		RevokedAtUnix:     0,
		PreviousSessionID: previousSessionID,
		IssuedAtUnix:      now.Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("session_store.create.%s: %w", store.driverLabel, err)
	}
	return sessionID, opaqueToken, nil
}

// Lookup resolves an opaque token to its session record.
func (store *DatabaseStore) Lookup(ctx context.Context, tokenOpaque string) (RefreshSession, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return RefreshSession{}, fmt.Errorf("session_store.lookup.%s: %w", store.driverLabel, ErrSessionEmptyToken)
	}
	var record refreshSessionRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RefreshSession{}, fmt.Errorf("session_store.lookup.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		return RefreshSession{}, fmt.Errorf("session_store.lookup.%s: %w", store.driverLabel, err)
	}
	return record.toSession(), nil
}

// Rotate retires the session behind the opaque token and creates its
// replacement. The revoke is a conditional update on revoked_at_unix = 0;
// zero rows affected means another caller rotated first and maps to
// ErrSessionRevoked. Revoke-then-create ordering keeps a cancelled request
// safe: the worst outcome is a dead old session with no replacement.
func (store *DatabaseStore) Rotate(ctx context.Context, tokenOpaque string, expiresUnix int64) (string, string, string, error) {
	session, lookupErr := store.Lookup(ctx, tokenOpaque)
	if lookupErr != nil {
		return "", "", "", lookupErr
	}
	now := store.now()
	if session.RevokedAtUnix != 0 {
		return "", "", "", fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionRevoked)
	}
	if time.Unix(session.ExpiresUnix, 0).Before(now) {
		return "", "", "", fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionExpired)
	}
	result := store.db.WithContext(ctx).Model(&refreshSessionRecord{}).
		Where("session_id = ? AND revoked_at_unix = 0", session.SessionID).
		Update("revoked_at_unix", now.Unix())
	if result.Error != nil {
		return "", "", "", fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", "", "", fmt.Errorf("session_store.rotate.%s: %w", store.driverLabel, ErrSessionRevoked)
	}
	newSessionID, newOpaque, createErr := store.Create(ctx, session.AccountID, expiresUnix, session.SessionID)
	if createErr != nil {
		return "", "", "", createErr
	}
	return newSessionID, newOpaque, session.AccountID, nil
}

// Revoke marks a session as revoked; revoking an already-revoked session is
// a no-op.
func (store *DatabaseStore) Revoke(ctx context.Context, sessionID string) error {
	result := store.db.WithContext(ctx).Model(&refreshSessionRecord{}).
		Where("session_id = ? AND revoked_at_unix = 0", sessionID).
		Update("revoked_at_unix", store.now().Unix())
	if result.Error != nil {
		return fmt.Errorf("session_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var record refreshSessionRecord
		findErr := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("session_store.revoke.%s: %w", store.driverLabel, ErrSessionNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("session_store.revoke.%s: %w", store.driverLabel, findErr)
		}
	}
	return nil
}

// RevokeAllForAccount revokes every live session for an account in one
// conditional bulk update and reports how many rows changed.
func (store *DatabaseStore) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	result := store.db.WithContext(ctx).Model(&refreshSessionRecord{}).
		Where("account_id = ? AND revoked_at_unix = 0", accountID).
		Update("revoked_at_unix", store.now().Unix())
	if result.Error != nil {
		return 0, fmt.Errorf("session_store.revoke_all.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// IssueToken stores the hash of a fresh secret and returns the raw secret.
func (store *DatabaseStore) IssueToken(ctx context.Context, accountID string, kind OneTimeTokenKind, expiresUnix int64) (string, error) {
	opaqueToken, hashValue, randomErr := generateOpaqueToken()
	if randomErr != nil {
		return "", fmt.Errorf("onetime_store.issue.%s: %w", store.driverLabel, randomErr)
	}
	record := oneTimeTokenRecord{
		TokenHash:    hashValue,
		AccountID:    accountID,
		Kind:         string(kind),
		ExpiresUnix:  expiresUnix,
		UsedAtUnix:   0,
		IssuedAtUnix: store.now().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", fmt.Errorf("onetime_store.issue.%s: %w", store.driverLabel, err)
	}
	return opaqueToken, nil
}

// ConsumeToken marks the matching unused token used via a conditional
// update. Zero rows affected on a live record means a concurrent consumer
// won and maps to ErrOneTimeTokenAlreadyUsed.
func (store *DatabaseStore) ConsumeToken(ctx context.Context, rawSecret string, kind OneTimeTokenKind) (string, error) {
	hashValue := hashOpaque(rawSecret)
	var record oneTimeTokenRecord
	err := store.db.WithContext(ctx).
		Where("token_hash = ? AND kind = ?", hashValue, string(kind)).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("onetime_store.consume.%s: %w", store.driverLabel, ErrOneTimeTokenNotFound)
		}
		return "", fmt.Errorf("onetime_store.consume.%s: %w", store.driverLabel, err)
	}
	now := store.now()
	if record.UsedAtUnix != 0 {
		return "", fmt.Errorf("onetime_store.consume.%s: %w", store.driverLabel, ErrOneTimeTokenAlreadyUsed)
	}
	if time.Unix(record.ExpiresUnix, 0).Before(now) {
		return "", fmt.Errorf("onetime_store.consume.%s: %w", store.driverLabel, ErrOneTimeTokenExpired)
	}
	result := store.db.WithContext(ctx).Model(&oneTimeTokenRecord{}).
		Where("token_hash = ? AND used_at_unix = 0", hashValue).
		Update("used_at_unix", now.Unix())
	if result.Error != nil {
		return "", fmt.Errorf("onetime_store.consume.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", fmt.Errorf("onetime_store.consume.%s: %w", store.driverLabel, ErrOneTimeTokenAlreadyUsed)
	}
	return record.AccountID, nil
}

func accountRecordFrom(account Account) accountRecord {
	return accountRecord{
		AccountID:       account.ID,
		Email:           NormalizeEmail(account.Email),
		CredentialHash:  account.CredentialHash,
		Role:            string(account.Role),
		EmailVerified:   account.EmailVerified,
		Deleted:         account.Deleted,
		CreatedAtUnix:   account.CreatedAtUnix,
		UpdatedAtUnix:   account.UpdatedAtUnix,
		LastLoginAtUnix: account.LastLoginAtUnix,
	}
}

func (record accountRecord) toAccount() Account {
	return Account{
		ID:              record.AccountID,
		Email:           record.Email,
		CredentialHash:  record.CredentialHash,
		Role:            Role(record.Role),
		EmailVerified:   record.EmailVerified,
		Deleted:         record.Deleted,
		CreatedAtUnix:   record.CreatedAtUnix,
		UpdatedAtUnix:   record.UpdatedAtUnix,
		LastLoginAtUnix: record.LastLoginAtUnix,
	}
}

func (record refreshSessionRecord) toSession() RefreshSession {
	return RefreshSession{
		SessionID:         record.SessionID,
		AccountID:         record.AccountID,
		TokenHash:         record.TokenHash,
		ExpiresUnix:       record.ExpiresUnix,
		RevokedAtUnix:     record.RevokedAtUnix,
		PreviousSessionID: record.PreviousSessionID,
		IssuedAtUnix:      record.IssuedAtUnix,
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique") || strings.Contains(message, "duplicate")
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
