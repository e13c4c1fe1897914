package authcore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

const (
	opaqueTokenByteLength     = 32
	sessionIDRandomByteLength = 4
)

var opaqueTokenRandomSource io.Reader = rand.Reader

// newSessionID derives an id from the issuance timestamp plus a short random
// fragment, so concurrent creates in the same nanosecond cannot collide on
// the primary key.
func newSessionID(now time.Time) (string, error) {
	randomBytes := make([]byte, sessionIDRandomByteLength)
	if _, err := io.ReadFull(opaqueTokenRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("token.random: %w", err)
	}
	nowString := now.UTC().Format(time.RFC3339Nano)
	return base64.RawURLEncoding.EncodeToString([]byte(nowString)) + "-" +
		base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

func generateOpaqueToken() (string, string, error) {
	randomBytes := make([]byte, opaqueTokenByteLength)
	if _, err := io.ReadFull(opaqueTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("token.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewSessionCredentials returns a fresh session id, opaque token, and the
// token's hash, for stores that live outside this package.
func NewSessionCredentials(now time.Time) (string, string, string, error) {
	opaque, hashValue, err := generateOpaqueToken()
	if err != nil {
		return "", "", "", err
	}
	sessionID, idErr := newSessionID(now)
	if idErr != nil {
		return "", "", "", idErr
	}
	return sessionID, opaque, hashValue, nil
}

// NewOpaqueToken returns a raw secret and its one-way hash.
func NewOpaqueToken() (string, string, error) {
	return generateOpaqueToken()
}

// HashOpaqueToken recomputes the storage hash for a raw opaque token.
func HashOpaqueToken(opaque string) string {
	return hashOpaque(opaque)
}
