package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mzolotarev/authd/internal/authcore"
)

// ClaimsContextKey is where RequireAccess stores the verified claims.
const ClaimsContextKey = "auth_claims"

// RequireAccess verifies the bearer access token and injects its claims.
func RequireAccess(signer *authcore.Signer) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		token := bearerToken(contextGin.Request)
		if token == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		claims, verifyErr := signer.VerifyAccessToken(token)
		if verifyErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// RequireRole allows only callers whose verified role matches.
func RequireRole(role authcore.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims := claimsFromContext(contextGin)
		if claims == nil || claims.AccountRole != string(role) {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		contextGin.Next()
	}
}

func claimsFromContext(contextGin *gin.Context) *authcore.AccessClaims {
	claimsValue, found := contextGin.Get(ClaimsContextKey)
	if !found {
		return nil
	}
	claims, ok := claimsValue.(*authcore.AccessClaims)
	if !ok {
		return nil
	}
	return claims
}

func bearerToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
