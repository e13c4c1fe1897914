package authcore

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is enforced before hashing.
const MinPasswordLength = 8

// ErrPasswordTooShort indicates the candidate password fails the length floor.
var ErrPasswordTooShort = errors.New("password.too_short")

// HashCredential derives a slow adaptive hash from a plaintext password.
func HashCredential(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password.hash: %w", ErrPasswordTooShort)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("password.hash: %w", err)
	}
	return string(hashed), nil
}

// VerifyCredential compares a candidate password against a stored hash in
// constant time. It reports only match or mismatch.
func VerifyCredential(storedHash string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}
