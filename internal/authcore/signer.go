package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are embedded in the short-lived access token.
type AccessClaims struct {
	AccountID    string `json:"account_id"`
	AccountEmail string `json:"account_email"`
	AccountRole  string `json:"account_role"`
	jwt.RegisteredClaims
}

// Signer mints and verifies stateless HS256 access tokens. Access tokens are
// never individually revocable; revocation shows up when the next refresh
// fails.
type Signer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	clock      Clock
}

// NewSigner constructs a Signer from the service configuration.
func NewSigner(configuration ServiceConfig, clock Clock) *Signer {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Signer{
		signingKey: configuration.AccessTokenSigningKey,
		issuer:     configuration.AccessTokenIssuer,
		ttl:        configuration.AccessTokenTTL,
		clock:      clock,
	}
}

// MintAccessToken creates a signed access token carrying the account's
// current id, email, and role.
func (signer *Signer) MintAccessToken(accountID string, accountEmail string, accountRole Role) (string, time.Time, error) {
	issuedAt := signer.clock.Now()
	expiresAt := issuedAt.Add(signer.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		AccountID:    accountID,
		AccountEmail: accountEmail,
		AccountRole:  string(accountRole),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    signer.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signer.mint: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken checks the signature, issuer, and expiry of a token.
func (signer *Signer) VerifyAccessToken(signedToken string) (*AccessClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(signedToken, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signer.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return signer.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("signer.verify: %w", ErrAccessTokenExpired)
		}
		return nil, fmt.Errorf("signer.verify: %w", ErrAccessTokenInvalid)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("signer.verify: %w", ErrAccessTokenInvalid)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok {
		return nil, fmt.Errorf("signer.verify: %w", ErrAccessTokenInvalid)
	}
	if claims.Issuer != signer.issuer {
		return nil, fmt.Errorf("signer.verify: %w", ErrAccessTokenInvalid)
	}
	return claims, nil
}
