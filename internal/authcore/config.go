package authcore

import "time"

// ServiceConfig configures token issuance, session lifetimes, and signing.
type ServiceConfig struct {
	AccessTokenSigningKey []byte
	AccessTokenIssuer     string
	AccessTokenTTL        time.Duration
	RefreshSessionTTL     time.Duration
	VerifyEmailTokenTTL   time.Duration
	ResetPasswordTokenTTL time.Duration
}
