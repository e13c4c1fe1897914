package accessvalidator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock *fixedClock) Now() time.Time {
	return clock.current
}

func (clock *fixedClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

var testSigningKey = []byte("validator-test-key")

const testIssuer = "authd-test"

func mintToken(t *testing.T, signingKey []byte, issuer string, issuedAt time.Time, lifetime time.Duration) string {
	t.Helper()
	claims := Claims{
		AccountID:    "account-1",
		AccountEmail: "a@x.com",
		AccountRole:  "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "account-1",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, signErr := token.SignedString(signingKey)
	if signErr != nil {
		t.Fatalf("sign error: %v", signErr)
	}
	return signed
}

func TestNewRequiresSigningKeyAndIssuer(t *testing.T) {
	if _, err := New(Config{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected ErrMissingSigningKey, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey, Issuer: "   "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer for blank issuer, got %v", err)
	}
	if _, err := New(Config{SigningKey: testSigningKey, Issuer: testIssuer}); err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
}

func TestValidateTokenAcceptsFreshToken(t *testing.T) {
	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	validator, newErr := New(Config{SigningKey: testSigningKey, Issuer: testIssuer, Clock: clock})
	if newErr != nil {
		t.Fatalf("new error: %v", newErr)
	}

	signed := mintToken(t, testSigningKey, testIssuer, clock.Now(), 15*time.Minute)
	claims, validateErr := validator.ValidateToken(signed)
	if validateErr != nil {
		t.Fatalf("validate error: %v", validateErr)
	}
	if claims.GetAccountID() != "account-1" {
		t.Fatalf("unexpected account id %s", claims.GetAccountID())
	}
	if claims.GetAccountEmail() != "a@x.com" {
		t.Fatalf("unexpected email %s", claims.GetAccountEmail())
	}
	if claims.GetAccountRole() != "viewer" {
		t.Fatalf("unexpected role %s", claims.GetAccountRole())
	}
	if claims.GetExpiresAt().IsZero() {
		t.Fatalf("expected expiry to be set")
	}
}

func TestValidateTokenRejections(t *testing.T) {
	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	validator, newErr := New(Config{SigningKey: testSigningKey, Issuer: testIssuer, Clock: clock})
	if newErr != nil {
		t.Fatalf("new error: %v", newErr)
	}

	if _, err := validator.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := validator.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	wrongKey := mintToken(t, []byte("different-key"), testIssuer, clock.Now(), 15*time.Minute)
	if _, err := validator.ValidateToken(wrongKey); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}

	wrongIssuer := mintToken(t, testSigningKey, "someone-else", clock.Now(), 15*time.Minute)
	if _, err := validator.ValidateToken(wrongIssuer); !errors.Is(err, ErrInvalidIssuer) {
		t.Fatalf("expected ErrInvalidIssuer, got %v", err)
	}

	signed := mintToken(t, testSigningKey, testIssuer, clock.Now(), 15*time.Minute)
	clock.Advance(16 * time.Minute)
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	validator, newErr := New(Config{SigningKey: testSigningKey, Issuer: testIssuer, Clock: clock})
	if newErr != nil {
		t.Fatalf("new error: %v", newErr)
	}
	signed := mintToken(t, testSigningKey, testIssuer, clock.Now(), 15*time.Minute)

	if _, err := validator.ValidateRequest(nil); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for nil request, got %v", err)
	}

	bare := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken without header, got %v", err)
	}

	wrongScheme := httptest.NewRequest(http.MethodGet, "/resource", nil)
	wrongScheme.Header.Set("Authorization", "Basic "+signed)
	if _, err := validator.ValidateRequest(wrongScheme); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for non-bearer scheme, got %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	request.Header.Set("Authorization", "Bearer "+signed)
	claims, validateErr := validator.ValidateRequest(request)
	if validateErr != nil {
		t.Fatalf("validate error: %v", validateErr)
	}
	if claims.GetAccountID() != "account-1" {
		t.Fatalf("unexpected account id %s", claims.GetAccountID())
	}
}

func TestGinMiddlewareInjectsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	validator, newErr := New(Config{SigningKey: testSigningKey, Issuer: testIssuer, Clock: clock})
	if newErr != nil {
		t.Fatalf("new error: %v", newErr)
	}

	router := gin.New()
	router.GET("/resource", validator.GinMiddleware(""), func(contextGin *gin.Context) {
		claimsValue, found := contextGin.Get(DefaultContextKey)
		if !found {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		claims := claimsValue.(*Claims)
		contextGin.String(http.StatusOK, claims.GetAccountEmail())
	})

	anonymous := httptest.NewRecorder()
	router.ServeHTTP(anonymous, httptest.NewRequest(http.MethodGet, "/resource", nil))
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", anonymous.Code)
	}

	signed := mintToken(t, testSigningKey, testIssuer, clock.Now(), 15*time.Minute)
	request := httptest.NewRequest(http.MethodGet, "/resource", nil)
	request.Header.Set("Authorization", "Bearer "+signed)
	authorized := httptest.NewRecorder()
	router.ServeHTTP(authorized, request)
	if authorized.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", authorized.Code)
	}
	if authorized.Body.String() != "a@x.com" {
		t.Fatalf("unexpected body %q", authorized.Body.String())
	}
}
